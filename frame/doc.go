// Package frame implements the EV3 command frame codec.
//
// Every command and reply exchanged with the brick is a little-endian frame:
//
//	| len (2) | seq (2) | type (1) | body ... |
//
// The length field counts every byte after itself, so a well-formed frame
// satisfies len(frame)-2 == Length(frame). The type byte of a request decides
// whether the brick will answer it; Classify maps it to a CommandType.
//
// The package only parses headers. It never interprets the command body and it
// never decides what happens to a bad frame: Validate and Classify report a
// *FrameFault and the caller applies its own policy.
package frame
