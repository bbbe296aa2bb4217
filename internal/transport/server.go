package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"chat-relay/internal/buffer"
	"chat-relay/internal/history"
	"chat-relay/internal/metrics"
	"chat-relay/internal/protocol"
	"chat-relay/internal/session"
)

const listenBacklog = 128

// Listen opens the relay's IPv4 stream listener: reuse-address,
// non-blocking, backlog 128. host may be empty or unparsable, in
// which case the socket binds the any address.
func Listen(host string, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	sa := &unix.SockaddrInet4{Port: port}
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			copy(sa.Addr[:], v4)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblock: %w", err)
	}
	return fd, nil
}

// ListenPort reports the port a listener fd is bound to. Needed when
// the caller asked for port 0.
func ListenPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("getsockname: %w", err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, errors.New("listener is not an IPv4 socket")
	}
	return in4.Port, nil
}

// Server is the readiness loop: one goroutine owning the connection
// table, the buffer pool and the history, with the blocking poll wait
// as its only suspension point.
type Server struct {
	log      *zap.Logger
	metrics  *metrics.Registry
	pool     *buffer.Pool
	table    *session.Table
	history  *history.History
	proto    *protocol.Handler
	listenFD int
	now      func() time.Time
}

// NewServer wires the loop around an already-listening descriptor.
// reg may be nil.
func NewServer(listenFD int, log *zap.Logger, reg *metrics.Registry) *Server {
	pool := buffer.NewPool()
	table := session.NewTable(listenFD)
	hist := &history.History{}
	s := &Server{
		log:      log,
		metrics:  reg,
		pool:     pool,
		table:    table,
		history:  hist,
		listenFD: listenFD,
		now:      time.Now,
	}
	s.proto = &protocol.Handler{
		Pool:    pool,
		Table:   table,
		History: hist,
		Now:     func() time.Time { return s.now() },
		Log:     log,
		Metrics: reg,
	}
	return s
}

// Run drives the loop until a fatal condition: pool exhaustion, an
// accept failure, a hard send error, or a poll failure. It never
// returns nil.
func (s *Server) Run() error {
	for {
		if err := s.Tick(-1); err != nil {
			return err
		}
	}
}

// Tick performs one wait/dispatch/compact iteration. timeoutMs is
// passed to poll(2); Run uses -1 for an indefinite wait.
func (s *Server) Tick(timeoutMs int) error {
	s.table.RefreshInterest()
	n, err := unix.Poll(s.table.PollFds(), timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return nil
	}

	// Snapshot before accepting: a connection admitted this tick has
	// no readiness results yet.
	length := s.table.Len()

	if s.table.Revents(0)&unix.POLLIN != 0 {
		if err := s.accept(); err != nil {
			return err
		}
	}

	for i := 1; i < length; i++ {
		c := s.table.Conn(i)
		if c.Closed {
			continue
		}
		re := s.table.Revents(i)
		if re&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			c.Closed = true
			continue
		}
		if re&unix.POLLIN != 0 {
			if err := s.readReady(c); err != nil {
				return err
			}
		}
		if re&unix.POLLOUT != 0 {
			if err := s.drain(c); err != nil {
				return err
			}
		}
	}

	s.compact()
	return nil
}

// accept admits one peer. A full table closes the fresh socket on the
// spot; the peer learns nothing beyond the closed connection.
func (s *Server) accept() error {
	nfd, _, err := unix.Accept(s.listenFD)
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return fmt.Errorf("accept: %w", err)
	}
	if s.table.Full() {
		unix.Close(nfd)
		s.log.Warn("connection table full, refusing peer")
		if s.metrics != nil {
			s.metrics.Connections.Refused.Inc()
		}
		return nil
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		s.log.Warn("set nonblock failed on accepted socket", zap.Error(err))
		return nil
	}
	s.table.Add(session.NewConn(nfd, s.now()))
	s.log.Debug("peer accepted", zap.Int("fd", nfd), zap.Int("peers", s.table.Len()-1))
	if s.metrics != nil {
		s.metrics.Connections.Accepted.Inc()
		s.metrics.Connections.Active.Inc()
	}
	return nil
}

// readReady pulls bytes into the connection's input buffer and runs
// the framer. EOF and transport errors mark the connection closed;
// protocol violations do the same; pool exhaustion bubbles up as
// fatal.
func (s *Server) readReady(c *session.Conn) error {
	n, err := unix.Read(c.FD, c.In[c.InLen:])
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		s.log.Debug("read error", zap.Int("fd", c.FD), zap.Error(err))
		c.Closed = true
		return nil
	}
	if n == 0 {
		c.Closed = true
		return nil
	}
	c.InLen += n

	if err := s.proto.Pump(c); err != nil {
		if errors.Is(err, buffer.ErrPoolExhausted) {
			return err
		}
		s.log.Debug("protocol violation", zap.Int("fd", c.FD), zap.Error(err))
		c.Closed = true
		if s.metrics != nil {
			s.metrics.Messages.ProtocolErrors.Inc()
		}
	}
	return nil
}

// drain transmits queued buffers until the queue empties or the
// socket pushes back. A fully sent buffer goes straight back to the
// pool; a short write leaves the head in place with its offset
// advanced. Hard send errors are fatal.
func (s *Server) drain(c *session.Conn) error {
	for !c.Out.Empty() {
		b := c.Out.Head()
		n, err := unix.Write(c.FD, b.Bytes())
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			return fmt.Errorf("send: %w", err)
		}
		b.Advance(n)
		if !b.Done() {
			return nil
		}
		c.Out.Pop(s.pool)
	}
	return nil
}

// compact reaps every connection marked closed this tick, releasing
// its queued buffers and closing its descriptor, then refreshes the
// pool gauge.
func (s *Server) compact() {
	s.table.Compact(func(c *session.Conn) {
		c.Out.ReleaseAll(s.pool)
		unix.Close(c.FD)
		s.log.Debug("peer reaped", zap.Int("fd", c.FD))
		if s.metrics != nil {
			s.metrics.Connections.Active.Dec()
		}
	})
	if s.metrics != nil {
		s.metrics.Pool.BuffersInUse.Set(float64(s.pool.InUse()))
	}
}
