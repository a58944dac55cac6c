// Package relay forwards EV3 frames between two endpoints of a tunnel half.
//
// An Engine reads requests from its source endpoint and forwards them
// unchanged to its destination. Requests whose command type expects a reply
// put the engine into AwaitingReply until exactly one reply frame came back
// from the destination and was relayed to the source. The brick protocol is
// synchronous, so the engine never reads the next request while a reply is
// pending.
//
//	          Step
//	Idle ──read request──▶ Forwarding ──no reply expected──▶ Idle
//	                           │
//	                    reply expected
//	                           ▼
//	                     AwaitingReply ──reply relayed──▶ Idle
//
// Protocol faults are handled by the configured FaultPolicy. Transport faults
// are returned as *TransportError naming the side that failed, so callers can
// re-establish just that side.
package relay
