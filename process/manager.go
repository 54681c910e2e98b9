// Package process supervises external tool-server processes: spawning,
// readiness, health probes, crash detection, restart with backoff, and
// termination of whole process trees. It is the only package that starts or
// kills processes.
package process

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/petal-labs/petalbridge/core"
	"github.com/petal-labs/petalbridge/rpc"
)

var (
	// ErrManagerStopped is returned by Start after StopAll.
	ErrManagerStopped = errors.New("process: manager is stopped")
	// ErrUnknownServer is wrapped by lookups of undeclared servers.
	ErrUnknownServer = errors.New("unknown server")
	// ErrNotFailed is wrapped by Restart when the server has not failed.
	ErrNotFailed = errors.New("only failed servers can be restarted")
)

// Snapshot is a read-only copy of one server's handle.
type Snapshot struct {
	Name         string    `json:"name"`
	State        State     `json:"state"`
	PID          int       `json:"pid,omitempty"`
	Address      string    `json:"address,omitempty"`
	Transport    string    `json:"transport"`
	Dialect      string    `json:"dialect"`
	Restarts     int       `json:"restarts"`
	RunningSince time.Time `json:"running_since,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Endpoint is everything a caller needs to talk to a running server.
type Endpoint struct {
	Server  string
	Address string
	Dialect core.Dialect
	PID     int
	Caller  rpc.Caller
}

type handle struct {
	desc core.ServerDescriptor

	state        State
	child        *child
	restarts     int
	runningSince time.Time
	lastActivity time.Time
	lastErr      error

	stopping bool
	cancel   context.CancelFunc
	done     chan struct{}
	probeNow chan struct{}
}

func (h *handle) snapshot() Snapshot {
	snap := Snapshot{
		Name:         h.desc.Name,
		State:        h.state,
		Transport:    string(h.desc.TransportOrDefault()),
		Dialect:      string(h.desc.DialectOrDefault()),
		Restarts:     h.restarts,
		RunningSince: h.runningSince,
		LastActivity: h.lastActivity,
	}
	if h.child != nil {
		snap.PID = h.child.pid
		snap.Address = h.child.address
	}
	if h.lastErr != nil {
		snap.LastError = h.lastErr.Error()
	}
	return snap
}

// Manager owns the table of server handles. Handles are mutated only under
// the manager's lock; readers get Snapshot copies.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	ids    *rpc.IDSource

	mu      sync.RWMutex
	handles map[string]*handle
	changed chan struct{}
	closed  bool
}

// NewManager returns a Manager with cfg's zero fields defaulted.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:     cfg,
		logger:  cfg.Logger,
		ids:     cfg.IDs,
		handles: make(map[string]*handle),
		changed: make(chan struct{}),
	}
}

// Start launches a server in the background. The handle begins in Starting;
// use WaitSettled or StartAll to wait for the outcome.
func (m *Manager) Start(ctx context.Context, desc core.ServerDescriptor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("process: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	if existing, ok := m.handles[desc.Name]; ok && existing.state != StateStopped {
		m.mu.Unlock()
		return fmt.Errorf("process: server %q already started", desc.Name)
	}
	h := &handle{
		desc:     desc.Clone(),
		state:    StateStarting,
		probeNow: make(chan struct{}, 1),
	}
	m.handles[desc.Name] = h
	m.launchSupervisorLocked(h)
	m.broadcastLocked()
	m.mu.Unlock()

	m.logger.Info("server starting", "server", desc.Name, "command", desc.Command, "transport", desc.TransportOrDefault())
	m.cfg.Observer.ObserveTransition(Transition{Server: desc.Name, To: StateStarting, Reason: "start", At: m.cfg.Now()})
	return nil
}

// StartAll starts every descriptor and waits until each has reached Running
// or Failed. The returned error joins a *core.NotRunningError for each server
// that did not come up; the others keep running.
func (m *Manager) StartAll(ctx context.Context, descs []core.ServerDescriptor) error {
	for _, desc := range descs {
		if err := m.Start(ctx, desc); err != nil {
			return err
		}
	}
	var errs []error
	for _, desc := range descs {
		state, err := m.WaitSettled(ctx, desc.Name)
		if err != nil {
			return err
		}
		if state != StateRunning {
			_, addrErr := m.AddressOf(desc.Name)
			errs = append(errs, addrErr)
		}
	}
	return errors.Join(errs...)
}

// WaitSettled blocks until the named server is Running, Failed or Stopped.
func (m *Manager) WaitSettled(ctx context.Context, name string) (State, error) {
	return m.WaitFor(ctx, name, State.Settled)
}

// WaitFor blocks until the named server's state satisfies match.
func (m *Manager) WaitFor(ctx context.Context, name string, match func(State) bool) (State, error) {
	for {
		m.mu.RLock()
		h, ok := m.handles[name]
		var state State
		if ok {
			state = h.state
		}
		changed := m.changed
		m.mu.RUnlock()

		if !ok {
			return "", fmt.Errorf("process: %w %q", ErrUnknownServer, name)
		}
		if match(state) {
			return state, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}

// AddressOf returns the endpoint of a Running server. Any other state yields
// a *core.NotRunningError.
func (m *Manager) AddressOf(name string) (Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[name]
	if !ok {
		return Endpoint{}, &core.NotRunningError{Server: name, Cause: errors.New("no such server")}
	}
	if h.state != StateRunning || h.child == nil {
		return Endpoint{}, &core.NotRunningError{Server: name, State: string(h.state), Cause: h.lastErr}
	}
	conn := h.child.connection()
	if conn == nil {
		return Endpoint{}, &core.NotRunningError{Server: name, State: string(h.state), Cause: h.lastErr}
	}
	return Endpoint{
		Server:  name,
		Address: h.child.address,
		Dialect: h.desc.DialectOrDefault(),
		PID:     h.child.pid,
		Caller:  conn,
	}, nil
}

// HealthOf returns the current state of a server.
func (m *Manager) HealthOf(name string) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[name]
	if !ok {
		return "", fmt.Errorf("process: %w %q", ErrUnknownServer, name)
	}
	return h.state, nil
}

// Snapshot returns a copy of one server's handle.
func (m *Manager) Snapshot(name string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[name]
	if !ok {
		return Snapshot{}, false
	}
	return h.snapshot(), true
}

// Snapshots returns copies of every handle sorted by server name.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h.snapshot())
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b Snapshot) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Touch records activity on a server.
func (m *Manager) Touch(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[name]; ok {
		h.lastActivity = m.cfg.Now()
	}
}

// ReportFailure tells the manager that a caller saw a transport-level failure
// talking to name. The server is probed immediately instead of waiting for
// the next probe interval.
func (m *Manager) ReportFailure(name string, err error) {
	m.mu.Lock()
	h, ok := m.handles[name]
	if ok && h.state == StateRunning {
		h.lastErr = err
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.logger.Warn("server failure reported", "server", name, "error", err)
	select {
	case h.probeNow <- struct{}{}:
	default:
	}
}

// Restart relaunches a Failed server with a fresh restart budget.
func (m *Manager) Restart(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	h, ok := m.handles[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("process: %w %q", ErrUnknownServer, name)
	}
	if h.state != StateFailed {
		state := h.state
		m.mu.Unlock()
		return fmt.Errorf("process: server %q is %s; %w", name, state, ErrNotFailed)
	}
	h.restarts = 0
	h.lastErr = nil
	tr, _ := m.transitionLocked(h, StateStarting, "restart requested")
	m.launchSupervisorLocked(h)
	m.mu.Unlock()

	m.emit(tr)
	return nil
}

// StopAll terminates every server's process tree and marks each handle
// Stopped. It is safe to call more than once and while servers are still
// starting; later Start calls fail with ErrManagerStopped.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	handles := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		h.stopping = true
		if h.cancel != nil {
			h.cancel()
		}
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(handles))
	for i, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.stopHandle(ctx, h)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (m *Manager) stopHandle(ctx context.Context, h *handle) error {
	m.mu.RLock()
	c := h.child
	done := h.done
	m.mu.RUnlock()

	if c != nil {
		c.stop(m.cfg.StopGrace)
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("process: stop %s: %w", h.desc.Name, ctx.Err())
		}
	}

	m.mu.Lock()
	h.child = nil
	tr, ok := m.transitionLocked(h, StateStopped, "stop requested")
	m.mu.Unlock()
	if ok {
		m.emit(tr)
	}
	return nil
}

func (m *Manager) launchSupervisorLocked(h *handle) {
	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	h.stopping = false
	go m.supervise(runCtx, h, h.done)
}

// transitionLocked moves h to next if the lifecycle allows it. The caller
// emits the returned transition after releasing the lock.
func (m *Manager) transitionLocked(h *handle, next State, reason string) (Transition, bool) {
	if h.state == next || !h.state.CanTransition(next) {
		return Transition{}, false
	}
	tr := Transition{
		Server:   h.desc.Name,
		From:     h.state,
		To:       next,
		Reason:   reason,
		Restarts: h.restarts,
		At:       m.cfg.Now(),
	}
	h.state = next
	if next == StateRunning {
		h.runningSince = tr.At
		h.lastActivity = tr.At
	} else {
		h.runningSince = time.Time{}
	}
	m.broadcastLocked()
	return tr, true
}

func (m *Manager) transition(h *handle, next State, reason string) bool {
	m.mu.Lock()
	tr, ok := m.transitionLocked(h, next, reason)
	m.mu.Unlock()
	if ok {
		m.emit(tr)
	}
	return ok
}

func (m *Manager) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Manager) emit(tr Transition) {
	level := slog.LevelInfo
	switch tr.To {
	case StateUnresponsive, StateRestarting:
		level = slog.LevelWarn
	case StateFailed:
		level = slog.LevelError
	}
	m.logger.Log(context.Background(), level, "server state changed",
		"server", tr.Server,
		"from", tr.From,
		"to", tr.To,
		"reason", tr.Reason,
		"restarts", tr.Restarts,
	)
	m.cfg.Observer.ObserveTransition(tr)
}
