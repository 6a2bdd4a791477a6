// Package health tracks connection health from operation outcomes and
// drives automatic reconnection.
//
// The monitor is fed the result of every operation. A success makes the
// link healthy; connectivity failures degrade it; after a run of
// consecutive failures the link is declared disconnected and a background
// loop re-establishes the transport with backoff. Caller mistakes and
// contention (invalid arguments, busy) say nothing about the wire and are
// ignored.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/commatea/SBus-Link/pkg/logger"
	"github.com/commatea/SBus-Link/pkg/metrics"
	"github.com/commatea/SBus-Link/pkg/sbus"
)

// Status is the health of a monitored connection.
type Status int

const (
	// StatusHealthy means the last operation succeeded.
	StatusHealthy Status = iota
	// StatusDegraded means recent operations failed but the link is not
	// yet given up on.
	StatusDegraded
	// StatusDisconnected means the failure threshold was crossed and
	// reconnection is in progress.
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Reconnector re-establishes a broken connection. *session.Session
// satisfies it.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Defaults for Config.
const (
	DefaultThreshold        = 3
	DefaultReconnectTimeout = 10 * time.Second
)

// DefaultBackoff is the delay schedule between reconnect attempts; the
// last entry repeats.
func DefaultBackoff() []time.Duration {
	return []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}
}

// Config holds monitor configuration.
type Config struct {
	// Threshold is the number of consecutive connectivity failures that
	// flips the link to disconnected.
	Threshold int

	// Backoff is the delay schedule between reconnect attempts.
	Backoff []time.Duration

	// ReconnectTimeout bounds a single reconnect attempt.
	ReconnectTimeout time.Duration

	// Name labels the monitor in logs and metrics.
	Name string

	// OnChange, when set, is called outside the monitor lock on every
	// status transition.
	OnChange func(Status)
}

// Monitor watches one connection.
type Monitor struct {
	mu sync.Mutex

	cfg Config
	rc  Reconnector

	status       Status
	failures     int
	reconnecting bool

	closed chan struct{}
	log    *logger.Logger
}

// New creates a monitor for rc. The initial status is healthy.
func New(rc Reconnector, cfg Config) *Monitor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.ReconnectTimeout <= 0 {
		cfg.ReconnectTimeout = DefaultReconnectTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	m := &Monitor{
		cfg:    cfg,
		rc:     rc,
		status: StatusHealthy,
		closed: make(chan struct{}),
		log:    &logger.Logger{Logger: logger.Global().Component("health").With("connection", cfg.Name)},
	}
	metrics.SetHealthState(cfg.Name, int(StatusHealthy))
	return m
}

// Status returns the current health status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Failures returns the current consecutive failure count.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Close stops the monitor and any reconnect loop.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
}

// Record feeds one operation outcome into the monitor.
func (m *Monitor) Record(err error) {
	if err == nil {
		m.transition(func() (Status, bool) {
			m.failures = 0
			return StatusHealthy, true
		})
		return
	}
	if !connectivity(err) {
		return
	}

	var startReconnect bool
	m.transition(func() (Status, bool) {
		m.failures++
		if m.failures < m.cfg.Threshold {
			return StatusDegraded, true
		}
		if !m.reconnecting {
			m.reconnecting = true
			startReconnect = true
		}
		return StatusDisconnected, true
	})
	if startReconnect {
		go m.reconnectLoop()
	}
}

// transition applies fn under the lock and fires OnChange and metrics when
// the status actually moved.
func (m *Monitor) transition(fn func() (Status, bool)) {
	m.mu.Lock()
	next, ok := fn()
	changed := ok && next != m.status
	if ok {
		m.status = next
	}
	onChange := m.cfg.OnChange
	m.mu.Unlock()

	if changed {
		metrics.SetHealthState(m.cfg.Name, int(next))
		m.log.Info("health status changed", "status", next.String())
		if onChange != nil {
			onChange(next)
		}
	}
}

// reconnectLoop re-establishes the transport until it succeeds or the
// monitor is closed.
func (m *Monitor) reconnectLoop() {
	for attempt := 1; ; attempt++ {
		if !m.wait(m.backoff(attempt)) {
			m.stopReconnecting()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ReconnectTimeout)
		err := m.rc.Reconnect(ctx)
		cancel()

		if err == nil {
			m.log.Info("reconnected", "attempts", attempt)
			m.stopReconnecting()
			m.transition(func() (Status, bool) {
				if m.status != StatusDisconnected {
					return m.status, false
				}
				m.failures = 0
				return StatusHealthy, true
			})
			return
		}
		m.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

func (m *Monitor) stopReconnecting() {
	m.mu.Lock()
	m.reconnecting = false
	m.mu.Unlock()
}

func (m *Monitor) backoff(attempt int) time.Duration {
	if attempt-1 < len(m.cfg.Backoff) {
		return m.cfg.Backoff[attempt-1]
	}
	return m.cfg.Backoff[len(m.cfg.Backoff)-1]
}

// wait sleeps for d unless the monitor is closed first.
func (m *Monitor) wait(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-m.closed:
		return false
	}
}

// connectivity reports whether err says anything about the wire. Caller
// mistakes, contention and cancellation do not.
func connectivity(err error) bool {
	switch {
	case errors.Is(err, sbus.ErrInvalidArgument),
		errors.Is(err, sbus.ErrBusy),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
