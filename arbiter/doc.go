// Package arbiter implements the control handoff with the remote coordinator.
//
// An operator-side Client requests control of a device, optionally naming a
// preferred one, and follows the coordinator's answers:
//
//	Requesting --{"Control": id}-----> Controlling
//	Requesting --{"Rejected": reason}-> Rejected --> Closed
//	Requesting --{"Queue": true}-----> Queued --{"Control": id}--> Controlling
//
// While queued, every message other than a grant is ignored. The device-side
// Announcer registers a device under its name and is in control at once.
//
// The progress of one handshake is kept in a ControlSession, which is created on
// the first message and closed when its transport goes away.
package arbiter
