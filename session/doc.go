// Package session runs one tunnel session per configured device.
//
// A Session establishes its transports, passes the arbitration gate and then
// drives a relay engine until a transport fails or its context ends. The
// Manager keeps a registry of sessions indexed by name, runs each one in its
// own task, and restarts a failed session after the retry interval. A
// rejected control request is never retried.
//
// Sessions share no mutable state, so one session's failure never affects
// another.
//
// Example Usage:
//
//	mgr := session.NewManager(ctx, session.WithRetryInterval(5*time.Second))
//
//	s := session.NewDeviceSession(session.DeviceConfig{
//	    Name:       "EV3",
//	    OpenDevice: func(ctx context.Context) (io.ReadWriteCloser, error) { return device.Open(ctx, target) },
//	    DialRemote: func(ctx context.Context) (*remote.Conn, error) { return remote.Dial(ctx, url) },
//	})
//	if err := mgr.Start(s); err != nil {
//	    // handle error
//	}
//
//	mgr.Wait()
package session
