package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/petal-labs/petalbridge/core"
)

// ErrClosed is returned by calls on a connection that was closed locally.
var ErrClosed = errors.New("rpc: connection closed")

// Caller issues one request and waits for the matching reply.
type Caller interface {
	Call(ctx context.Context, req Message) (Message, error)
}

// TransportError reports that the underlying byte stream failed.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rpc: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportFailure reports whether err means the connection is unusable.
func IsTransportFailure(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr) || errors.Is(err, ErrClosed)
}

// ConnConfig configures a Conn.
type ConnConfig struct {
	// Name labels log lines and protocol errors, usually the server name.
	Name   string
	Logger *slog.Logger
}

type reply struct {
	msg Message
	err error
}

// Conn multiplexes concurrent calls over one newline-delimited JSON stream.
// A single reader goroutine routes replies to callers by id; writes are
// serialized.
type Conn struct {
	name   string
	logger *slog.Logger
	w      io.Writer
	closer io.Closer

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan reply
	err     error
	done    chan struct{}

	closeOnce sync.Once
	unmatched atomic.Int64
	invalid   atomic.Int64
}

// NewConn starts reading replies from r. Requests are written to w. closer,
// when non-nil, is closed once the connection fails or is closed.
func NewConn(r io.Reader, w io.Writer, closer io.Closer, cfg ConnConfig) *Conn {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		name:    cfg.Name,
		logger:  logger,
		w:       w,
		closer:  closer,
		pending: make(map[int64]chan reply),
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Call writes req and waits for the reply carrying the same id. It returns
// ctx.Err() when ctx ends first, a *TransportError when the stream fails,
// and a *core.ProtocolError when the reply cannot be decoded.
func (c *Conn) Call(ctx context.Context, req Message) (Message, error) {
	if req.ID == 0 {
		return Message{}, fmt.Errorf("rpc: call %q: request id is required", req.Method)
	}
	if req.JSONRPC == "" {
		req.JSONRPC = Version
	}

	ch := make(chan reply, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Message{}, err
	}
	if _, dup := c.pending[req.ID]; dup {
		c.mu.Unlock()
		return Message{}, fmt.Errorf("rpc: call %q: id %d already in flight", req.Method, req.ID)
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	if err := c.write(req); err != nil {
		c.forget(req.ID)
		return Message{}, err
	}

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		c.forget(req.ID)
		return Message{}, ctx.Err()
	}
}

// Notify sends a request without an id; no reply is expected.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("rpc: notify %q: %w", method, err)
	}
	return c.write(Message{JSONRPC: Version, Method: method, Params: raw})
}

// Done is closed once the connection has failed or been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Unmatched returns how many replies arrived for ids nobody was waiting on.
func (c *Conn) Unmatched() int64 {
	return c.unmatched.Load()
}

// Invalid returns how many inbound messages were structurally invalid.
func (c *Conn) Invalid() int64 {
	return c.invalid.Load()
}

// Close fails every pending call with ErrClosed and releases the stream.
func (c *Conn) Close() error {
	c.fail(ErrClosed)
	return nil
}

func (c *Conn) write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("rpc: encode %q: %w", msg.Method, err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.Err(); err != nil {
		return err
	}
	if _, err := c.w.Write(data); err != nil {
		terr := &TransportError{Op: "write", Err: err}
		c.fail(terr)
		return terr
	}
	return nil
}

func (c *Conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) deliver(id int64, r reply) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- r
	}
	return ok
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	pending := c.pending
	c.pending = make(map[int64]chan reply)
	close(c.done)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: err}
	}
	c.closeOnce.Do(func() {
		if c.closer != nil {
			_ = c.closer.Close()
		}
	})
}

func (c *Conn) readLoop(r io.Reader) {
	decoder := json.NewDecoder(bufio.NewReader(r))
	for {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.logger.Warn("rpc: undecodable stream", "server", c.name, "error", err)
				c.fail(&core.ProtocolError{Server: c.name, Reason: "undecodable stream", Cause: err})
				return
			}
			c.fail(&TransportError{Op: "read", Err: err})
			return
		}
		c.dispatch(raw)
	}
}

func (c *Conn) dispatch(raw json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.invalid.Add(1)
		if id, ok := probeID(raw); ok {
			perr := &core.ProtocolError{Server: c.name, Reason: "invalid reply envelope", Cause: err}
			if c.deliver(id, reply{err: perr}) {
				return
			}
		}
		c.logger.Warn("rpc: dropping invalid message", "server", c.name, "error", err)
		return
	}

	switch {
	case msg.ID == 0 && msg.Method != "":
		c.logger.Debug("rpc: ignoring notification", "server", c.name, "method", msg.Method)
	case msg.ID == 0:
		c.invalid.Add(1)
		c.logger.Warn("rpc: dropping reply without id", "server", c.name)
	case msg.Method != "":
		// Requests from the server are not served by the bridge.
		c.logger.Debug("rpc: rejecting server request", "server", c.name, "method", msg.Method)
		go func() {
			_ = c.write(Message{
				JSONRPC: Version,
				ID:      msg.ID,
				Error:   &Error{Code: CodeMethodNotFound, Message: "method not found"},
			})
		}()
	default:
		if c.deliver(msg.ID, reply{msg: msg}) {
			return
		}
		c.unmatched.Add(1)
		if n := c.failUnmatched(msg.ID); n > 0 {
			c.logger.Warn("rpc: reply id matches no request", "server", c.name, "id", msg.ID, "failed_calls", n)
			return
		}
		c.logger.Warn("rpc: dropping reply with unknown id", "server", c.name, "id", msg.ID)
	}
}

// failUnmatched fails every in-flight call with a ProtocolError after a reply
// whose id matches none of them. The connection stays open.
func (c *Conn) failUnmatched(id int64) int {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan reply)
	c.mu.Unlock()

	for reqID, ch := range pending {
		ch <- reply{err: &core.ProtocolError{
			Server: c.name,
			Reason: fmt.Sprintf("reply id %d does not match request id %d", id, reqID),
		}}
	}
	return len(pending)
}
