// Package session turns the raw request/response contract of a transport
// into the typed S-Bus operation set: registers, flags, timers, counters,
// data blocks and device identification.
//
// A session owns its transport exclusively. It assigns sequence numbers,
// enforces the single-outstanding-request rule of the master/slave
// protocol, and retries transient failures with exponential backoff.
// Transports never retry; the policy lives entirely here.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/commatea/SBus-Link/pkg/logger"
	"github.com/commatea/SBus-Link/pkg/metrics"
	"github.com/commatea/SBus-Link/pkg/sbus"
	"github.com/commatea/SBus-Link/pkg/transport"
	"github.com/google/uuid"
)

// Defaults for Config.
const (
	DefaultTimeout  = 5 * time.Second
	DefaultAttempts = 3
)

// DefaultBackoff is the delay schedule applied after each failed attempt.
func DefaultBackoff() []time.Duration {
	return []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}
}

// Config holds session configuration.
type Config struct {
	// Station is the S-Bus station address of the controller (0-253, or
	// 255 to broadcast writes).
	Station byte

	// Timeout bounds a single request attempt.
	Timeout time.Duration

	// Attempts is the total number of attempts per logical request.
	Attempts int

	// Backoff is the delay schedule between attempts; the last entry
	// repeats when there are more attempts than entries.
	Backoff []time.Duration

	// FailWhenBusy makes operations fail with sbus.ErrBusy instead of
	// waiting while another operation is in flight.
	FailWhenBusy bool

	// Name labels the session in logs and metrics.
	Name string
}

// Session drives one transport. Safe for concurrent use; concurrent
// operations are serialized because the wire allows no pipelining.
type Session struct {
	cfg Config
	tr  transport.Transport

	// slot holds a single token; owning it is owning the wire. Buffered
	// so acquisition composes with context cancellation in a select.
	slot chan struct{}

	// seq is guarded by slot ownership.
	seq uint16

	closed chan struct{}
	log    *logger.Logger
}

// New creates a session around tr. The transport must not be shared with
// another session.
func New(tr transport.Transport, cfg Config) *Session {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("station-%d", cfg.Station)
	}
	s := &Session{
		cfg:    cfg,
		tr:     tr,
		slot:   make(chan struct{}, 1),
		closed: make(chan struct{}),
		log:    &logger.Logger{Logger: logger.Global().Component("session").With("session", cfg.Name)},
	}
	s.slot <- struct{}{}
	return s
}

// Connect establishes the underlying transport.
func (s *Session) Connect(ctx context.Context) error {
	return s.tr.Connect(ctx)
}

// Close shuts the session down. Pending operations fail; the session
// cannot be reused.
func (s *Session) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}
	return s.tr.Close()
}

// State reports the transport connection state.
func (s *Session) State() transport.State {
	return s.tr.Info().State
}

// Info reports the transport runtime information.
func (s *Session) Info() transport.Info {
	return s.tr.Info()
}

// Reconnect tears the transport down and re-establishes it. It waits for
// exclusive ownership of the wire first, so no in-flight operation can
// observe a half-closed channel.
func (s *Session) Reconnect(ctx context.Context) error {
	if err := s.acquire(ctx, false); err != nil {
		return err
	}
	defer s.release()

	metrics.IncReconnect(s.cfg.Name)
	if err := s.tr.Close(); err != nil {
		s.log.Debug("close before reconnect", "error", err)
	}
	return s.tr.Connect(ctx)
}

// acquire takes the wire token. failFast trades waiting for sbus.ErrBusy.
func (s *Session) acquire(ctx context.Context, failFast bool) error {
	select {
	case <-s.closed:
		return sbus.ErrClosed
	default:
	}

	if failFast {
		select {
		case <-s.slot:
			return nil
		default:
			return sbus.ErrBusy
		}
	}
	select {
	case <-s.slot:
		return nil
	case <-s.closed:
		return sbus.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) release() {
	s.slot <- struct{}{}
}

// execute runs one logical request through the retry state machine. The
// pending-request marker (the wire token) is held across all attempts, so
// a stray late response can never be attributed to a newer operation.
func (s *Session) execute(ctx context.Context, command byte, payload []byte, responseLen int) (*sbus.Telegram, error) {
	if err := s.acquire(ctx, s.cfg.FailWhenBusy); err != nil {
		return nil, err
	}
	defer s.release()

	reqID := uuid.NewString()
	broadcast := s.cfg.Station == sbus.BroadcastStation

	var lastErr error
	for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
		// A fresh sequence per attempt: a stale duplicate response from
		// a previous attempt must not satisfy the retry.
		s.seq++

		req := &transport.Request{
			Telegram: &sbus.Telegram{
				Attribute: sbus.AttrRequest,
				Station:   s.cfg.Station,
				Command:   command,
				Payload:   payload,
			},
			Sequence:    s.seq,
			ResponseLen: responseLen,
			Broadcast:   broadcast,
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		resp, err := s.tr.Exchange(attemptCtx, req)
		cancel()

		if err == nil {
			metrics.IncRequest(s.cfg.Name, commandName(command), metrics.StatusSuccess)
			return resp, nil
		}

		if !retryable(err) {
			metrics.IncRequest(s.cfg.Name, commandName(command), metrics.StatusFailed)
			return nil, err
		}
		lastErr = err
		metrics.IncError(s.cfg.Name, errorKind(err))
		s.log.Warn("request attempt failed",
			"request", reqID, "command", commandName(command),
			"attempt", attempt, "of", s.cfg.Attempts, "error", err)

		// Backoff is a plain wait; it holds no transport resources and
		// aborts as soon as the caller cancels.
		if err := s.wait(ctx, s.backoff(attempt)); err != nil {
			return nil, err
		}
		if attempt < s.cfg.Attempts {
			metrics.IncRetry(s.cfg.Name)
		}
	}

	metrics.IncRequest(s.cfg.Name, commandName(command), metrics.StatusFailed)
	return nil, lastErr
}

func (s *Session) backoff(attempt int) time.Duration {
	if attempt-1 < len(s.cfg.Backoff) {
		return s.cfg.Backoff[attempt-1]
	}
	return s.cfg.Backoff[len(s.cfg.Backoff)-1]
}

func (s *Session) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return sbus.ErrClosed
	}
}

// retryable reports whether an attempt failure warrants another attempt.
// Timeouts, transport failures and CRC hits are transient; everything else
// (caller errors, cancellation) surfaces immediately.
func retryable(err error) bool {
	return errors.Is(err, sbus.ErrTimeout) ||
		errors.Is(err, sbus.ErrTransport) ||
		errors.Is(err, sbus.ErrCRC)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, sbus.ErrTimeout):
		return "timeout"
	case errors.Is(err, sbus.ErrCRC):
		return "crc"
	case errors.Is(err, sbus.ErrTransport):
		return "transport"
	case errors.Is(err, sbus.ErrFormat):
		return "format"
	default:
		return "other"
	}
}

func commandName(command byte) string {
	switch command {
	case sbus.CmdReadRegister:
		return "read_register"
	case sbus.CmdWriteRegister:
		return "write_register"
	case sbus.CmdReadFlag:
		return "read_flag"
	case sbus.CmdWriteFlag:
		return "write_flag"
	case sbus.CmdReadTimer:
		return "read_timer"
	case sbus.CmdWriteTimer:
		return "write_timer"
	case sbus.CmdReadCounter:
		return "read_counter"
	case sbus.CmdWriteCounter:
		return "write_counter"
	case sbus.CmdReadBlock:
		return "read_block"
	case sbus.CmdWriteBlock:
		return "write_block"
	default:
		return fmt.Sprintf("cmd_%02x", command)
	}
}
