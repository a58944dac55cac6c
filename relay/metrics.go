package relay

import "sync/atomic"

// Metrics contains atomic counters of an Engine.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// RequestCount is the number of requests forwarded to the destination.
	RequestCount atomic.Uint64
	// NoReplyCount is the number of forwarded requests that expected no reply.
	NoReplyCount atomic.Uint64
	// ReplyCount is the number of replies relayed back to the source.
	ReplyCount atomic.Uint64
	// FaultCount is the number of frames that failed validation or classification.
	FaultCount atomic.Uint64
	// DropCount is the number of frames discarded by the fault policy.
	DropCount atomic.Uint64
	// RolloverCount is the number of sequence number rollovers seen on requests.
	RolloverCount atomic.Uint64
	// InflightGauge is 1 while a reply is awaited, 0 otherwise.
	InflightGauge atomic.Int64
}

func (m *Metrics) incRequestCount()  { m.RequestCount.Add(1) }
func (m *Metrics) incNoReplyCount()  { m.NoReplyCount.Add(1) }
func (m *Metrics) incReplyCount()    { m.ReplyCount.Add(1) }
func (m *Metrics) incFaultCount()    { m.FaultCount.Add(1) }
func (m *Metrics) incDropCount()     { m.DropCount.Add(1) }
func (m *Metrics) incRolloverCount() { m.RolloverCount.Add(1) }
func (m *Metrics) incInflight()      { m.InflightGauge.Add(1) }
func (m *Metrics) decInflight()      { m.InflightGauge.Add(-1) }
