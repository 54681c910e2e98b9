package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/petalbridge/core"
	"github.com/petal-labs/petalbridge/rpc"
)

// SandboxEnv is exported to children that have a sandbox root.
const SandboxEnv = "BRIDGE_SANDBOX_ROOT"

const sandboxPlaceholder = "${SANDBOX_ROOT}"

// child is one launched OS process and its connection.
type child struct {
	cmd     *exec.Cmd
	pid     int
	address string
	exited  chan struct{}
	waitErr error

	mu   sync.Mutex
	conn *rpc.Conn

	stopOnce sync.Once
}

func (c *child) connection() *rpc.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *child) setConn(conn *rpc.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *child) exitErr() error {
	select {
	case <-c.exited:
		return c.waitErr
	default:
		return nil
	}
}

// stop closes the connection and terminates the whole process tree:
// a polite signal first, then a forced kill once grace elapses.
func (c *child) stop(grace time.Duration) {
	c.stopOnce.Do(func() {
		if conn := c.connection(); conn != nil {
			_ = conn.Close()
		}
		if c.pid <= 0 {
			return
		}
		_ = signalTree(c.pid)
		select {
		case <-c.exited:
		case <-time.After(grace):
		}
		// Descendants may outlive the leader, so the tree is always killed.
		_ = killTree(c.pid)
		select {
		case <-c.exited:
		case <-time.After(grace):
		}
	})
}

func (m *Manager) spawn(desc core.ServerDescriptor) (*child, error) {
	root := ""
	if desc.SandboxRoot != "" {
		abs, err := filepath.Abs(desc.SandboxRoot)
		if err != nil {
			return nil, fmt.Errorf("process: sandbox root for %s: %w", desc.Name, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("process: sandbox root for %s: %w", desc.Name, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("process: sandbox root for %s: %s is not a directory", desc.Name, abs)
		}
		root = abs
	}

	args := make([]string, len(desc.Args))
	for i, arg := range desc.Args {
		args[i] = strings.ReplaceAll(arg, sandboxPlaceholder, root)
	}

	// #nosec G204 -- command and args come from the operator's configuration.
	cmd := exec.Command(desc.Command, args...)
	cmd.Env = append(os.Environ(), desc.EnvList()...)
	if root != "" {
		cmd.Dir = root
		cmd.Env = append(cmd.Env, SandboxEnv+"="+root)
	}
	cmd.WaitDelay = m.cfg.StopGrace
	setProcAttrs(cmd)

	stdio := desc.TransportOrDefault() == core.TransportStdio
	var (
		stdin  io.WriteCloser
		stdout io.ReadCloser
		err    error
	)
	if stdio {
		if stdin, err = cmd.StdinPipe(); err != nil {
			return nil, fmt.Errorf("process: %s stdin: %w", desc.Name, err)
		}
	}
	if stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("process: %s stdout: %w", desc.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("process: %s stderr: %w", desc.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("process: start %s: %w", desc.Name, err)
	}

	c := &child{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		exited: make(chan struct{}),
	}
	logger := m.logger.With("server", desc.Name, "pid", c.pid)
	go forwardLines(stderr, logger, "stderr")
	go func() {
		c.waitErr = cmd.Wait()
		close(c.exited)
	}()

	if stdio {
		c.address = "stdio://" + desc.Name
		c.conn = rpc.NewConn(stdout, stdin, stdin, rpc.ConnConfig{Name: desc.Name, Logger: m.logger})
	} else {
		c.address = desc.Address
		go forwardLines(stdout, logger, "stdout")
	}
	return c, nil
}

func forwardLines(r io.Reader, logger *slog.Logger, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Debug("server output", "stream", stream, "line", scanner.Text())
	}
}

// awaitReady blocks until the child answers a handshake or ctx ends.
func (m *Manager) awaitReady(ctx context.Context, desc core.ServerDescriptor, c *child) error {
	conn := c.connection()
	if conn == nil {
		var err error
		if conn, err = m.dialUntilReady(ctx, desc, c); err != nil {
			return err
		}
		c.setConn(conn)
	}
	return m.handshake(ctx, desc, conn)
}

func (m *Manager) dialUntilReady(ctx context.Context, desc core.ServerDescriptor, c *child) (*rpc.Conn, error) {
	network := string(desc.Transport)
	var dialer net.Dialer
	ticker := time.NewTicker(m.cfg.ReadinessPoll)
	defer ticker.Stop()

	for {
		nc, err := dialer.DialContext(ctx, network, desc.Address)
		if err == nil {
			return rpc.NewConn(nc, nc, nc, rpc.ConnConfig{Name: desc.Name, Logger: m.logger}), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.exited:
			return nil, fmt.Errorf("process: %s exited before accepting connections: %v", desc.Name, c.waitErr)
		case <-ticker.C:
		}
	}
}

// handshake performs the dialect's opening exchange. For plain JSON-RPC any
// well-formed reply to the probe method proves the server is alive, including
// an error reply. MCP servers must accept initialize.
func (m *Manager) handshake(ctx context.Context, desc core.ServerDescriptor, conn *rpc.Conn) error {
	if desc.DialectOrDefault() == core.DialectMCP {
		req, err := rpc.NewRequest(m.ids.Next(), rpc.MethodInitialize, rpc.InitializeParams{
			ProtocolVersion: rpc.MCPProtocolVersion,
			Capabilities:    map[string]any{},
			ClientInfo:      rpc.ClientInfo{Name: "petalbridge", Version: "dev"},
		})
		if err != nil {
			return err
		}
		resp, err := conn.Call(ctx, req)
		if err != nil {
			return err
		}
		if err := resp.CheckReply(); err != nil {
			return &core.ProtocolError{Server: desc.Name, Reason: "initialize", Cause: err}
		}
		if resp.Error != nil {
			return fmt.Errorf("process: %s rejected initialize: %w", desc.Name, resp.Error)
		}
		return conn.Notify(ctx, rpc.MethodInitialized, map[string]any{})
	}
	return m.ping(ctx, desc, conn)
}

func (m *Manager) ping(ctx context.Context, desc core.ServerDescriptor, conn *rpc.Conn) error {
	req, err := rpc.NewRequest(m.ids.Next(), desc.ProbeMethodOrDefault(), nil)
	if err != nil {
		return err
	}
	resp, err := conn.Call(ctx, req)
	if err != nil {
		return err
	}
	if err := resp.CheckReply(); err != nil {
		return &core.ProtocolError{Server: desc.Name, Reason: "probe reply", Cause: err}
	}
	return nil
}

// probe runs one bounded health check against a running child.
func (m *Manager) probe(ctx context.Context, desc core.ServerDescriptor, c *child) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	err := m.ping(probeCtx, desc, c.connection())
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &core.TimeoutError{Op: "probe", Target: desc.Name, After: m.cfg.ProbeTimeout}
	}
	return err
}
