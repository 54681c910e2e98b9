// Package schedule runs configured prompts on cron schedules. A prompt whose
// previous run is still active is skipped rather than queued.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultPollInterval = 5 * time.Second

// Entry is one scheduled prompt.
type Entry struct {
	Name   string
	Cron   string
	Prompt string
	System string
}

// RunStatus is the outcome of an entry's latest activation.
type RunStatus string

const (
	RunStatusPending        RunStatus = "pending"
	RunStatusRunning        RunStatus = "running"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
	RunStatusSkippedOverlap RunStatus = "skipped_overlap"
)

// Status is a read-only view of one entry.
type Status struct {
	Name          string     `json:"name"`
	Cron          string     `json:"cron"`
	NextRunAt     time.Time  `json:"next_run_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastStatus    RunStatus  `json:"last_status"`
	LastError     string     `json:"last_error,omitempty"`
	LastSessionID string     `json:"last_session_id,omitempty"`
	Runs          int        `json:"runs"`
	Skipped       int        `json:"skipped"`
}

// Runner executes one activation and returns the session it produced.
type Runner func(ctx context.Context, entry Entry) (sessionID string, err error)

// Config configures a Scheduler.
type Config struct {
	Entries      []Entry
	Runner       Runner
	PollInterval time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

type entryState struct {
	entry    Entry
	schedule cron.Schedule
	status   Status
	active   bool
}

// Scheduler periodically runs due entries.
type Scheduler struct {
	runner       Runner
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu      sync.Mutex
	entries []*entryState
	cancel  context.CancelFunc
	done    chan struct{}
	runs    sync.WaitGroup
}

// New validates every entry and returns a stopped Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Runner == nil {
		return nil, errors.New("schedule: runner is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Scheduler{
		runner:       cfg.Runner,
		pollInterval: cfg.PollInterval,
		now:          cfg.Now,
		logger:       cfg.Logger,
	}
	now := cfg.Now().UTC()
	seen := make(map[string]struct{}, len(cfg.Entries))
	for _, e := range cfg.Entries {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return nil, errors.New("schedule: entry name is required")
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("schedule: duplicate entry %q", name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(e.Prompt) == "" {
			return nil, fmt.Errorf("schedule: entry %q: prompt is required", name)
		}
		sched, err := ParseCron(e.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule: entry %q: %w", name, err)
		}
		e.Name = name
		s.entries = append(s.entries, &entryState{
			entry:    e,
			schedule: sched,
			status: Status{
				Name:       name,
				Cron:       e.Cron,
				NextRunAt:  sched.Next(now),
				LastStatus: RunStatusPending,
			},
		})
	}
	return s, nil
}

// Start begins background polling. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.RunOnce(loopCtx)
			}
		}
	}()
	return nil
}

// Stop ends polling and waits for in-flight runs or ctx, whichever is first.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	waited := make(chan struct{})
	go func() {
		if done != nil {
			<-done
		}
		s.runs.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce starts every entry that is due and returns how many were started.
// Runs proceed in the background under ctx.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	now := s.now().UTC()
	var due []*entryState

	s.mu.Lock()
	for _, st := range s.entries {
		if now.Before(st.status.NextRunAt) {
			continue
		}
		st.status.NextRunAt = st.schedule.Next(now)
		if st.active {
			st.status.Skipped++
			st.status.LastStatus = RunStatusSkippedOverlap
			st.status.LastError = "skipped because prior scheduled run is still active"
			s.logger.Warn("scheduled prompt skipped", "schedule", st.entry.Name, "reason", "overlap")
			continue
		}
		st.active = true
		st.status.LastStatus = RunStatusRunning
		st.status.LastError = ""
		due = append(due, st)
	}
	s.runs.Add(len(due))
	s.mu.Unlock()

	for _, st := range due {
		go s.run(ctx, st)
	}
	return len(due)
}

func (s *Scheduler) run(ctx context.Context, st *entryState) {
	defer s.runs.Done()
	s.logger.Info("scheduled prompt started", "schedule", st.entry.Name)
	sessionID, err := s.runner(ctx, st.entry)
	finish := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	st.active = false
	st.status.Runs++
	st.status.LastRunAt = &finish
	st.status.LastSessionID = sessionID
	if err != nil {
		st.status.LastStatus = RunStatusFailed
		st.status.LastError = err.Error()
		s.logger.Error("scheduled prompt failed", "schedule", st.entry.Name, "session_id", sessionID, "error", err)
		return
	}
	st.status.LastStatus = RunStatusCompleted
	s.logger.Info("scheduled prompt finished", "schedule", st.entry.Name, "session_id", sessionID)
}

// Statuses returns a copy of every entry's status, sorted by name.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.entries))
	for _, st := range s.entries {
		status := st.status
		if status.LastRunAt != nil {
			t := *status.LastRunAt
			status.LastRunAt = &t
		}
		out = append(out, status)
	}
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Name, b.Name) })
	return out
}
