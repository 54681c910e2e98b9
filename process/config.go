package process

import (
	"context"
	"log/slog"
	"time"

	"github.com/petal-labs/petalbridge/rpc"
)

const (
	defaultStartTimeout          = 10 * time.Second
	defaultReadinessPoll         = 100 * time.Millisecond
	defaultProbeInterval         = 15 * time.Second
	defaultProbeTimeout          = 5 * time.Second
	defaultProbeFailureThreshold = 2
	defaultMaxRestarts           = 3
	defaultBackoffBase           = 500 * time.Millisecond
	defaultBackoffMax            = 30 * time.Second
	defaultStableAfter           = time.Minute
	defaultStopGrace             = 3 * time.Second
)

// Config controls how the Manager supervises servers.
type Config struct {
	// StartTimeout bounds spawn plus readiness for one launch attempt.
	StartTimeout time.Duration
	// ReadinessPoll is the dial retry interval for socket transports.
	ReadinessPoll time.Duration

	ProbeInterval         time.Duration
	ProbeTimeout          time.Duration
	ProbeFailureThreshold int

	// MaxRestarts is the number of consecutive crash-restart cycles allowed
	// before a server is marked Failed. Zero selects the default; a negative
	// value disables restarts.
	MaxRestarts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// StableAfter resets the restart count once a server stays Running this long.
	StableAfter time.Duration
	// StopGrace is how long a process tree gets between SIGTERM and SIGKILL.
	StopGrace time.Duration

	Logger   *slog.Logger
	Observer Observer
	// IDs issues handshake and probe request ids; share it with the translator.
	IDs *rpc.IDSource
	// OnRunning is called, on its own goroutine, each time a server reaches
	// Running. ctx ends when the server leaves Running.
	OnRunning func(ctx context.Context, snap Snapshot, ep Endpoint)
	Now       func() time.Time
}

func (c Config) withDefaults() Config {
	if c.StartTimeout <= 0 {
		c.StartTimeout = defaultStartTimeout
	}
	if c.ReadinessPoll <= 0 {
		c.ReadinessPoll = defaultReadinessPoll
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = defaultProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.ProbeFailureThreshold <= 0 {
		c.ProbeFailureThreshold = defaultProbeFailureThreshold
	}
	switch {
	case c.MaxRestarts == 0:
		c.MaxRestarts = defaultMaxRestarts
	case c.MaxRestarts < 0:
		c.MaxRestarts = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.StableAfter <= 0 {
		c.StableAfter = defaultStableAfter
	}
	if c.StopGrace <= 0 {
		c.StopGrace = defaultStopGrace
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = noopObserver{}
	}
	if c.IDs == nil {
		c.IDs = rpc.NewIDSource()
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}
