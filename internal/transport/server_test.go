package transport

import (
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	fd, err := Listen("127.0.0.1", 0)
	require.NoError(t, err)
	port, err := ListenPort(fd)
	require.NoError(t, err)
	s := NewServer(fd, zap.NewNop(), nil)
	t.Cleanup(func() { unix.Close(fd) })
	return s, fmt.Sprintf("127.0.0.1:%d", port)
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// pump runs loop iterations with a short poll timeout until the
// deadline or until stop returns true.
func pump(t *testing.T, s *Server, stop func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, s.Tick(10))
		if stop != nil && stop() {
			return
		}
	}
	if stop != nil {
		t.Fatal("condition not reached before deadline")
	}
}

// request writes a raw request and pumps the loop until want bytes of
// response arrived.
func request(t *testing.T, s *Server, conn net.Conn, req string, want int) string {
	t.Helper()
	_, err := conn.Write([]byte(req))
	require.NoError(t, err)

	got := make([]byte, 0, want)
	buf := make([]byte, 512)
	deadline := time.Now().Add(2 * time.Second)
	for len(got) < want && time.Now().Before(deadline) {
		require.NoError(t, s.Tick(10))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Millisecond)))
		n, err := conn.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			break
		}
	}
	return string(got)
}

func TestAcceptAddsPeerToTable(t *testing.T) {
	s, addr := newTestServer(t)
	dial(t, addr)

	pump(t, s, func() bool { return s.table.Len() == 2 })
	c := s.table.Conn(1)
	assert.Equal(t, "anonym", c.Nick)
	assert.False(t, c.Closed)
}

func TestNamingRoundTrip(t *testing.T) {
	s, addr := newTestServer(t)
	conn := dial(t, addr)

	pump(t, s, func() bool { return s.table.Len() == 2 })
	got := request(t, s, conn, "my name is alice\r\n", len("ok\r\n"))
	assert.Equal(t, "ok\r\n", got)
	assert.Equal(t, "alice", s.table.Conn(1).Nick)
}

func TestRoster(t *testing.T) {
	s, addr := newTestServer(t)
	a := dial(t, addr)
	b := dial(t, addr)
	c := dial(t, addr)

	pump(t, s, func() bool { return s.table.Len() == 4 })
	require.Equal(t, "ok\r\n", request(t, s, a, "my name is a\r\n", 4))
	require.Equal(t, "ok\r\n", request(t, s, b, "my name is b\r\n", 4))
	require.Equal(t, "ok\r\n", request(t, s, c, "my name is c\r\n", 4))

	got := request(t, s, b, "folks\r\n", len("3\r\na\r\nb\r\nc\r\n"))
	lines := strings.Split(strings.TrimSuffix(got, "\r\n"), "\r\n")
	require.Equal(t, "3", lines[0])
	assert.ElementsMatch(t, []string{"a", "b", "c"}, lines[1:])
}

func TestBroadcastAndPoll(t *testing.T) {
	s, addr := newTestServer(t)
	a := dial(t, addr)
	b := dial(t, addr)

	pump(t, s, func() bool { return s.table.Len() == 3 })
	require.Equal(t, "ok\r\n", request(t, s, a, "my name is a\r\n", 4))
	require.Equal(t, "ok\r\n", request(t, s, a, "send hello\r\n", 4))

	got := request(t, s, b, "new\r\n", len("1\r\n[00:00:00] a: hello\r\n"))
	assert.Regexp(t, regexp.MustCompile(`^1\r\n\[\d{2}:\d{2}:\d{2}\] a: hello\r\n$`), got)

	got = request(t, s, b, "new\r\n", len("0\r\n"))
	assert.Equal(t, "0\r\n", got)
}

func TestUnknownCommandClosesConnection(t *testing.T) {
	s, addr := newTestServer(t)
	conn := dial(t, addr)

	pump(t, s, func() bool { return s.table.Len() == 2 })
	_, err := conn.Write([]byte("foo\r\n"))
	require.NoError(t, err)

	pump(t, s, func() bool { return s.table.Len() == 1 })

	// The peer observes only a closed connection, never an in-band
	// error.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = conn.Read(make([]byte, 16))
	assert.ErrorIs(t, err, io.EOF)
}

func TestOverlongMessageClosesWithoutReply(t *testing.T) {
	s, addr := newTestServer(t)
	conn := dial(t, addr)

	pump(t, s, func() bool { return s.table.Len() == 2 })
	_, err := conn.Write([]byte("send " + strings.Repeat("m", 141) + "\r\n"))
	require.NoError(t, err)

	pump(t, s, func() bool { return s.table.Len() == 1 })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := conn.Read(make([]byte, 16))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestPeerDisconnectCompactsTable(t *testing.T) {
	s, addr := newTestServer(t)
	a := dial(t, addr)
	dial(t, addr)

	pump(t, s, func() bool { return s.table.Len() == 3 })
	require.NoError(t, a.Close())
	pump(t, s, func() bool { return s.table.Len() == 2 })

	// Buffers of the reaped peer are all back on the free list.
	assert.Equal(t, 0, s.pool.InUse())
}

func TestRequestSplitAcrossSegments(t *testing.T) {
	s, addr := newTestServer(t)
	conn := dial(t, addr)

	pump(t, s, func() bool { return s.table.Len() == 2 })
	_, err := conn.Write([]byte("my name is al"))
	require.NoError(t, err)
	pump(t, s, func() bool { return s.table.Conn(1).InLen == 13 })

	got := request(t, s, conn, "ice\r\n", 4)
	assert.Equal(t, "ok\r\n", got)
	assert.Equal(t, "alice", s.table.Conn(1).Nick)
}

func TestListenRejectsBusyPort(t *testing.T) {
	fd, err := Listen("127.0.0.1", 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	// SO_REUSEADDR does not allow two live listeners on one port.
	port, err := ListenPort(fd)
	require.NoError(t, err)
	_, err = Listen("127.0.0.1", port)
	assert.Error(t, err)
}
