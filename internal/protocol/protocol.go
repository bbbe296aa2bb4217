package protocol

import (
	"bytes"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"chat-relay/internal/buffer"
	"chat-relay/internal/history"
	"chat-relay/internal/metrics"
	"chat-relay/internal/session"
)

// Protocol violations. Each one costs the offender its connection;
// none of them is ever reported in-band.
var (
	ErrLineTooLong    = errors.New("request line exceeds buffer capacity")
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadNick        = errors.New("nickname empty or too long")
	ErrMessageTooLong = errors.New("message body too long")
)

var (
	crlf         = []byte("\r\n")
	respOK       = []byte("ok")
	cmdFolks     = []byte("folks")
	cmdNew       = []byte("new")
	prefixMyName = []byte("my name is ")
	prefixSend   = []byte("send ")
)

// Handler decodes request lines and emits responses. It owns no
// state of its own; everything it touches belongs to the event-loop
// goroutine.
type Handler struct {
	Pool    *buffer.Pool
	Table   *session.Table
	History *history.History
	Now     func() time.Time
	Log     *zap.Logger
	Metrics *metrics.Registry
}

// Pump frames complete lines out of c's input buffer and dispatches
// each one, then shifts the unconsumed tail to the front. A full
// buffer with no terminator is an over-length line.
//
// A returned error is either a protocol violation (the caller marks
// the connection closed) or wraps buffer.ErrPoolExhausted (the caller
// treats the process as out of memory).
func (h *Handler) Pump(c *session.Conn) error {
	consumed := 0
	for {
		idx := bytes.Index(c.In[consumed:c.InLen], crlf)
		if idx < 0 {
			break
		}
		line := c.In[consumed : consumed+idx]
		consumed += idx + 2
		if err := h.dispatch(c, line); err != nil {
			return err
		}
	}
	if consumed > 0 {
		copy(c.In[:], c.In[consumed:c.InLen])
		c.InLen -= consumed
	}
	if c.InLen == buffer.BufCap {
		return ErrLineTooLong
	}
	return nil
}

// dispatch recognizes one request line. Prefix matching is literal
// bytes, trailing space included; the payload starts immediately
// after. No charset decoding anywhere.
func (h *Handler) dispatch(c *session.Conn, line []byte) error {
	switch {
	case bytes.Equal(line, cmdFolks):
		return h.folks(c)
	case bytes.Equal(line, cmdNew):
		return h.unread(c)
	case bytes.HasPrefix(line, prefixMyName):
		return h.rename(c, line[len(prefixMyName):])
	case bytes.HasPrefix(line, prefixSend):
		return h.broadcast(c, line[len(prefixSend):])
	default:
		return ErrUnknownCommand
	}
}

// rename sets the connection's nickname.
func (h *Handler) rename(c *session.Conn, nick []byte) error {
	if len(nick) == 0 || len(nick) > buffer.MaxNick {
		return ErrBadNick
	}
	c.Nick = string(nick)
	if h.Log != nil {
		h.Log.Debug("peer renamed", zap.Int("fd", c.FD), zap.String("nick", c.Nick))
	}
	return c.SendPackage(h.Pool, respOK)
}

// folks lists the connected peers: a count line, then one nickname
// per line. The requester is included.
func (h *Handler) folks(c *session.Conn) error {
	peers := h.Table.Peers()
	if err := h.sendCount(c, len(peers)); err != nil {
		return err
	}
	for _, p := range peers {
		if err := c.SendPackage(h.Pool, []byte(p.Nick)); err != nil {
			return err
		}
	}
	return nil
}

// broadcast appends the message to the shared history. Oversize
// bodies fail without a reply; the connection is reaped at the end of
// the tick.
func (h *Handler) broadcast(c *session.Conn, body []byte) error {
	if len(body) > buffer.MaxMsg {
		return ErrMessageTooLong
	}
	h.History.Append(c.Nick, string(body), h.Now())
	if h.Metrics != nil {
		h.Metrics.Messages.Broadcast.Inc()
	}
	return c.SendPackage(h.Pool, respOK)
}

// unread serves a "new" request: the count of history entries newer
// than the connection's cursor, then the entries oldest-first, then
// the cursor moves to now. The count is computed against history as
// it stands here; anything broadcast later belongs to the next cycle.
func (h *Handler) unread(c *session.Conn) error {
	now := h.Now()
	entries := h.History.Since(c.LastSeen)
	if err := h.sendCount(c, len(entries)); err != nil {
		return err
	}
	for i := range entries {
		if err := c.SendPackage(h.Pool, formatEntry(&entries[i])); err != nil {
			return err
		}
		if h.Metrics != nil {
			h.Metrics.Messages.Delivered.Inc()
		}
	}
	c.LastSeen = now
	return nil
}

func (h *Handler) sendCount(c *session.Conn, n int) error {
	return c.SendPackage(h.Pool, strconv.AppendInt(nil, int64(n), 10))
}

// formatEntry renders "[HH:MM:SS] <nick>: <msg>" in the entry's local
// wall-clock time. Built by direct appends; this sits on the hot path
// of every "new" response.
func formatEntry(e *history.Entry) []byte {
	out := make([]byte, 0, buffer.TsLen+buffer.MaxNick+buffer.MaxMsg+4)
	out = e.At.AppendFormat(out, "[15:04:05] ")
	out = append(out, e.Nick...)
	out = append(out, ": "...)
	out = append(out, e.Body...)
	return out
}
