package session

import (
	"time"

	"chat-relay/internal/buffer"
)

// DefaultNick is the nickname of a peer that has not introduced
// itself.
const DefaultNick = "anonym"

var crlf = []byte("\r\n")

// Conn is the per-peer state: the socket, the line-accumulation input
// buffer, the send queue, and the protocol-visible identity. All
// fields are owned by the event-loop goroutine.
type Conn struct {
	FD     int
	Closed bool

	// Nick is 1..=buffer.MaxNick bytes, byte-transparent.
	Nick string

	// LastSeen is the history cursor: the next "new" request returns
	// entries strictly newer than this instant.
	LastSeen time.Time

	// In accumulates raw bytes until a full CRLF-terminated line is
	// framed. InLen is the used length; the framer shifts any
	// unconsumed tail back to the front after dispatch.
	In    [buffer.BufCap]byte
	InLen int

	// Out holds response bytes not yet transmitted.
	Out buffer.SendQueue
}

// NewConn returns the state for a freshly accepted peer. The history
// cursor starts at accept time, so the first "new" returns only
// messages broadcast after the peer connected.
func NewConn(fd int, now time.Time) *Conn {
	return &Conn{FD: fd, Nick: DefaultNick, LastSeen: now}
}

// WantWrite reports whether the connection's readiness interest is
// writable. Interest is readable XOR writable: a connection with
// pending output is not read from until the queue drains.
func (c *Conn) WantWrite() bool { return !c.Out.Empty() }

// SendPackage queues one CRLF-terminated response line. This is the
// only way the protocol produces output.
func (c *Conn) SendPackage(pool *buffer.Pool, text []byte) error {
	if err := c.Out.Enqueue(pool, text); err != nil {
		return err
	}
	return c.Out.Enqueue(pool, crlf)
}
