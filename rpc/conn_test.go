package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/petalbridge/core"
)

type pipeServer struct {
	t    *testing.T
	reqs chan Message
	out  *io.PipeWriter
}

func newTestConn(t *testing.T) (*Conn, *pipeServer) {
	t.Helper()
	toServerR, toServerW := io.Pipe()
	toClientR, toClientW := io.Pipe()

	conn := NewConn(toClientR, toServerW, toServerW, ConnConfig{
		Name:   "test",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	srv := &pipeServer{t: t, reqs: make(chan Message, 16), out: toClientW}
	go func() {
		defer close(srv.reqs)
		dec := json.NewDecoder(toServerR)
		for {
			var msg Message
			if err := dec.Decode(&msg); err != nil {
				return
			}
			srv.reqs <- msg
		}
	}()
	t.Cleanup(func() {
		_ = conn.Close()
		_ = toClientW.Close()
		_ = toServerR.Close()
	})
	return conn, srv
}

func (s *pipeServer) send(line string) {
	s.t.Helper()
	if _, err := s.out.Write([]byte(line + "\n")); err != nil {
		s.t.Errorf("server write error = %v", err)
	}
}

func (s *pipeServer) next() Message {
	s.t.Helper()
	select {
	case msg, ok := <-s.reqs:
		if !ok {
			s.t.Fatal("server request stream closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		s.t.Fatal("timed out waiting for request")
	}
	return Message{}
}

func TestConnConcurrentCallsRouteByID(t *testing.T) {
	conn, srv := newTestConn(t)
	ids := NewIDSource()

	const n = 3
	results := make([]Message, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		req, err := NewRequest(ids.Next(), "echo", map[string]any{"n": i})
		if err != nil {
			t.Fatalf("NewRequest() error = %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = conn.Call(context.Background(), req)
		}()
	}

	received := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		received = append(received, srv.next())
	}
	// Reply in reverse arrival order.
	for i := n - 1; i >= 0; i-- {
		req := received[i]
		var params struct {
			N int `json:"n"`
		}
		_ = json.Unmarshal(req.Params, &params)
		srv.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%d}`, req.ID, params.N))
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Call(%d) error = %v", i, errs[i])
		}
		if string(results[i].Result) != fmt.Sprint(i) {
			t.Fatalf("Call(%d) result = %s, want %d", i, results[i].Result, i)
		}
	}
}

func TestConnUnmatchedReplyFailsPendingCall(t *testing.T) {
	conn, srv := newTestConn(t)

	done := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), Message{ID: 7, Method: "read"})
		done <- err
	}()

	req := srv.next()
	if req.JSONRPC != Version {
		t.Fatalf("request jsonrpc = %q, want %q", req.JSONRPC, Version)
	}
	srv.send(`{"jsonrpc":"2.0","id":8,"result":"hello"}`)

	select {
	case err := <-done:
		var perr *core.ProtocolError
		if !errors.As(err, &perr) {
			t.Fatalf("Call() error = %v, want ProtocolError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Call() still waiting after an unmatched reply")
	}
	if conn.Unmatched() != 1 {
		t.Fatalf("Unmatched() = %d, want 1", conn.Unmatched())
	}

	// The connection stays usable.
	go func() {
		_, err := conn.Call(context.Background(), Message{ID: 9, Method: "read"})
		done <- err
	}()
	srv.next()
	srv.send(`{"jsonrpc":"2.0","id":9,"result":"again"}`)
	if err := <-done; err != nil {
		t.Fatalf("Call() after unmatched reply error = %v", err)
	}
}

func TestConnUnmatchedReplyFailsEveryPendingCall(t *testing.T) {
	conn, srv := newTestConn(t)

	errs := make(chan error, 2)
	for _, id := range []int64{1, 2} {
		go func() {
			_, err := conn.Call(context.Background(), Message{ID: id, Method: "read"})
			errs <- err
		}()
	}
	srv.next()
	srv.next()
	srv.send(`{"jsonrpc":"2.0","id":99,"result":"stray"}`)

	for range 2 {
		select {
		case err := <-errs:
			if core.KindOf(err) != core.KindProtocol {
				t.Fatalf("Call() error = %v, want protocol", err)
			}
		case <-time.After(time.Second):
			t.Fatal("pending call not failed after an unmatched reply")
		}
	}
}

func TestConnUndecodableStreamFailsPending(t *testing.T) {
	conn, srv := newTestConn(t)

	done := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), Message{ID: 1, Method: "read"})
		done <- err
	}()
	srv.next()
	srv.send(`not json{`)

	err := <-done
	var perr *core.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("Call() error = %v, want ProtocolError", err)
	}
	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("connection not closed after undecodable stream")
	}
}

func TestConnInvalidEnvelopeAttributedByID(t *testing.T) {
	conn, srv := newTestConn(t)

	done := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), Message{ID: 7, Method: "read"})
		done <- err
	}()
	srv.next()
	srv.send(`{"jsonrpc":"2.0","id":7,"error":"not an object"}`)

	err := <-done
	if core.KindOf(err) != core.KindProtocol {
		t.Fatalf("Call() error = %v, want protocol kind", err)
	}
	if conn.Invalid() != 1 {
		t.Fatalf("Invalid() = %d, want 1", conn.Invalid())
	}
}

func TestConnEOFIsTransportFailure(t *testing.T) {
	conn, srv := newTestConn(t)

	done := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), Message{ID: 1, Method: "read"})
		done <- err
	}()
	srv.next()
	_ = srv.out.Close()

	err := <-done
	if !IsTransportFailure(err) {
		t.Fatalf("Call() error = %v, want transport failure", err)
	}
	if _, err := conn.Call(context.Background(), Message{ID: 2, Method: "read"}); !IsTransportFailure(err) {
		t.Fatalf("Call() after failure error = %v, want transport failure", err)
	}
}

func TestConnContextTimeout(t *testing.T) {
	conn, srv := newTestConn(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := conn.Call(ctx, Message{ID: 3, Method: "slow"})
		done <- err
	}()
	srv.next()

	if err := <-done; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Call() error = %v, want deadline exceeded", err)
	}

	// A late reply no longer has a waiter.
	srv.send(`{"jsonrpc":"2.0","id":3,"result":true}`)
	deadline := time.Now().Add(time.Second)
	for conn.Unmatched() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if conn.Unmatched() != 1 {
		t.Fatalf("Unmatched() = %d, want 1", conn.Unmatched())
	}
}

func TestConnRejectsServerRequests(t *testing.T) {
	_, srv := newTestConn(t)

	srv.send(`{"jsonrpc":"2.0","id":77,"method":"roots/list"}`)
	msg := srv.next()
	if msg.ID != 77 || msg.Error == nil || msg.Error.Code != CodeMethodNotFound {
		t.Fatalf("reply to server request = %+v, want method-not-found for id 77", msg)
	}
}

func TestConnCallAfterClose(t *testing.T) {
	conn, _ := newTestConn(t)
	_ = conn.Close()
	if _, err := conn.Call(context.Background(), Message{ID: 1, Method: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Call() after Close error = %v, want ErrClosed", err)
	}
}

func TestConnNotifyHasNoID(t *testing.T) {
	conn, srv := newTestConn(t)
	if err := conn.Notify(context.Background(), MethodInitialized, map[string]any{}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	msg := srv.next()
	if msg.ID != 0 || msg.Method != MethodInitialized {
		t.Fatalf("notification = %+v", msg)
	}
}
