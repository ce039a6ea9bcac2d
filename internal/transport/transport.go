package transport

import "context"

// Conn is one established duplex connection to the server. Receive blocks
// until an event arrives or the connection fails; a failed Receive means
// the connection is dead and must be redialed.
type Conn interface {
	Send(op ClientOp) error
	Receive() (ServerEvent, error)
	Close() error
}

// Dialer opens connections. The connection manager owns exactly one live
// Conn at a time; injecting the dialer lets tests substitute a scripted
// in-memory transport.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}
