package session

import "golang.org/x/sys/unix"

// MaxConn is the connection-table capacity, listener included.
const MaxConn = 1024

// Table is the fixed-capacity connection table: parallel arrays of
// poll descriptors and per-peer state, indexed together. Index 0 is
// the listening socket and has no Conn. The readiness API wants one
// contiguous descriptor array, which is why this is a struct of
// arrays rather than a slice of structs.
type Table struct {
	fds   []unix.PollFd
	conns []*Conn
}

// NewTable builds a table containing only the listener.
func NewTable(listenFD int) *Table {
	t := &Table{
		fds:   make([]unix.PollFd, 1, MaxConn),
		conns: make([]*Conn, 1, MaxConn),
	}
	t.fds[0] = unix.PollFd{Fd: int32(listenFD), Events: unix.POLLIN}
	return t
}

// Len reports the number of occupied slots, listener included.
func (t *Table) Len() int { return len(t.fds) }

// Full reports whether another peer can be admitted.
func (t *Table) Full() bool { return len(t.fds) >= MaxConn }

// Add appends a peer connection. The caller must check Full first.
func (t *Table) Add(c *Conn) {
	t.fds = append(t.fds, unix.PollFd{Fd: int32(c.FD), Events: unix.POLLIN})
	t.conns = append(t.conns, c)
}

// Conn returns the peer at index i (nil for the listener slot).
func (t *Table) Conn(i int) *Conn { return t.conns[i] }

// Revents returns the readiness results for index i from the last
// poll.
func (t *Table) Revents(i int) int16 { return t.fds[i].Revents }

// PollFds exposes the descriptor array for the readiness wait. The
// kernel writes result events directly into it.
func (t *Table) PollFds() []unix.PollFd { return t.fds }

// RefreshInterest recomputes each peer's event mask before the next
// wait: writable while output is pending, readable otherwise, never
// both.
func (t *Table) RefreshInterest() {
	for i := 1; i < len(t.fds); i++ {
		if t.conns[i].WantWrite() {
			t.fds[i].Events = unix.POLLOUT
		} else {
			t.fds[i].Events = unix.POLLIN
		}
	}
}

// Compact removes every peer marked closed, preserving the order of
// the remainder with a two-index in-place scan. reap is called once
// per removed connection so the caller can release queued buffers and
// close the descriptor.
func (t *Table) Compact(reap func(c *Conn)) {
	keep := 1
	for i := 1; i < len(t.fds); i++ {
		c := t.conns[i]
		if c.Closed {
			reap(c)
			continue
		}
		t.fds[keep] = t.fds[i]
		t.conns[keep] = c
		keep++
	}
	for i := keep; i < len(t.conns); i++ {
		t.conns[i] = nil
	}
	t.fds = t.fds[:keep]
	t.conns = t.conns[:keep]
}

// Peers returns the live peer connections in table order.
func (t *Table) Peers() []*Conn { return t.conns[1:] }
