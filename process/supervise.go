package process

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petal-labs/petalbridge/core"
)

// supervise runs one server's lifecycle until it is stopped or Failed.
// Crash detection (exit watcher, lost connection) and failed probes all end
// in the same place: watch returns a reason and the handle goes Unresponsive.
func (m *Manager) supervise(ctx context.Context, h *handle, done chan struct{}) {
	defer close(done)
	name := h.desc.Name

	for {
		c, err := m.launch(ctx, h)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.recordError(h, err)
			m.logger.Warn("server failed to start", "server", name, "error", err)
			if !m.scheduleRestart(ctx, h, err) {
				return
			}
			continue
		}

		runCtx, leaveRunning := context.WithCancel(ctx)
		if m.cfg.OnRunning != nil {
			if ep, err := m.AddressOf(name); err == nil {
				snap, _ := m.Snapshot(name)
				go m.cfg.OnRunning(runCtx, snap, ep)
			}
		}
		reason := m.watch(ctx, h, c)
		leaveRunning()
		if ctx.Err() != nil {
			return
		}

		m.recordError(h, reason)
		m.transition(h, StateUnresponsive, reason.Error())
		c.stop(m.cfg.StopGrace)
		m.detach(h, c)
		if !m.scheduleRestart(ctx, h, reason) {
			return
		}
	}
}

// launch spawns the process and waits for readiness, bounded by StartTimeout.
func (m *Manager) launch(ctx context.Context, h *handle) (*child, error) {
	desc := h.desc
	c, err := m.spawn(desc)
	if err != nil {
		return nil, err
	}
	if !m.attach(h, c) {
		c.stop(m.cfg.StopGrace)
		return nil, ErrManagerStopped
	}
	m.logger.Debug("server spawned", "server", desc.Name, "pid", c.pid)

	readyCtx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeout)
	err = m.awaitReady(readyCtx, desc, c)
	timedOut := errors.Is(readyCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		c.stop(m.cfg.StopGrace)
		m.detach(h, c)
		if timedOut && ctx.Err() == nil {
			err = &core.TimeoutError{Op: "start", Target: desc.Name, After: m.cfg.StartTimeout}
		}
		return nil, err
	}

	m.mu.Lock()
	h.lastErr = nil
	tr, ok := m.transitionLocked(h, StateRunning, "ready")
	m.mu.Unlock()
	if !ok {
		c.stop(m.cfg.StopGrace)
		m.detach(h, c)
		return nil, fmt.Errorf("process: %s left starting state during readiness", desc.Name)
	}
	m.emit(tr)
	return c, nil
}

// watch blocks while the child is healthy and returns why it no longer is.
func (m *Manager) watch(ctx context.Context, h *handle, c *child) error {
	probeTicker := time.NewTicker(m.cfg.ProbeInterval)
	defer probeTicker.Stop()
	stable := time.NewTimer(m.cfg.StableAfter)
	defer stable.Stop()

	conn := c.connection()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.exited:
			return fmt.Errorf("process exited: %v", describeExit(c.exitErr()))
		case <-conn.Done():
			return fmt.Errorf("connection lost: %w", conn.Err())
		case <-stable.C:
			m.markStable(h, c)
			continue
		case <-probeTicker.C:
		case <-h.probeNow:
		}

		err := m.probe(ctx, h.desc, c)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			failures = 0
			m.Touch(h.desc.Name)
			continue
		}
		failures++
		m.logger.Warn("health probe failed", "server", h.desc.Name, "failures", failures, "error", err)
		if failures >= m.cfg.ProbeFailureThreshold {
			return fmt.Errorf("health probe failed %d consecutive times: %w", failures, err)
		}
	}
}

// scheduleRestart moves a crashed or unready server to Restarting and waits
// out the backoff, or marks it Failed once the restart budget is spent. It
// reports whether the supervisor should launch again.
func (m *Manager) scheduleRestart(ctx context.Context, h *handle, cause error) bool {
	m.mu.Lock()
	if h.restarts >= m.cfg.MaxRestarts {
		reason := fmt.Sprintf("gave up after %d restarts: %v", h.restarts, cause)
		tr, ok := m.transitionLocked(h, StateFailed, reason)
		m.mu.Unlock()
		if ok {
			m.emit(tr)
		}
		return false
	}
	h.restarts++
	attempt := h.restarts
	tr, ok := m.transitionLocked(h, StateRestarting, cause.Error())
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.emit(tr)

	timer := time.NewTimer(Backoff(m.cfg.BackoffBase, m.cfg.BackoffMax, attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}
	return m.transition(h, StateStarting, fmt.Sprintf("restart attempt %d", attempt))
}

func (m *Manager) attach(h *handle, c *child) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.stopping {
		return false
	}
	h.child = c
	return true
}

func (m *Manager) detach(h *handle, c *child) {
	m.mu.Lock()
	if h.child == c {
		h.child = nil
	}
	m.mu.Unlock()
}

func (m *Manager) recordError(h *handle, err error) {
	m.mu.Lock()
	h.lastErr = err
	m.mu.Unlock()
}

// markStable clears the restart count once a server has stayed up.
func (m *Manager) markStable(h *handle, c *child) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.child != c || h.state != StateRunning || h.restarts == 0 {
		return
	}
	m.logger.Info("server stable, restart count reset", "server", h.desc.Name, "restarts", h.restarts)
	h.restarts = 0
}

func describeExit(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}
