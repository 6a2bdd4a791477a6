// Package transport defines the channel abstraction shared by the three
// S-Bus media: Ether-S-Bus (UDP/TCP), Serial-S-Bus (local port or TCP
// serial bridge) and Profi-S-Bus (Profibus gateway). Each variant turns its
// wire format into the same "send one request, receive the matching
// response" contract; retry policy stays with the session.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/commatea/SBus-Link/pkg/sbus"
)

// Common errors.
var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrClosed       = errors.New("transport: closed")
)

// State represents the current state of a transport connection.
type State int

const (
	// StateDisconnected indicates the transport is not connected.
	StateDisconnected State = iota
	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting
	// StateConnected indicates the transport is connected and ready.
	StateConnected
	// StateReconnecting indicates the transport is being rebuilt.
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Request is one outgoing telegram together with the correlation data a
// transport needs to recover the matching response.
type Request struct {
	// Telegram is the logical message to send.
	Telegram *sbus.Telegram

	// Sequence correlates Ether-S-Bus responses to their request. Serial
	// and Profibus correlate by strict request/response ordering instead
	// and ignore it.
	Sequence uint16

	// ResponseLen is the expected response payload size in bytes. The
	// serial receiver needs it to know when a frame is complete; other
	// transports use it as a sanity bound.
	ResponseLen int

	// Broadcast requests are sent without awaiting a response.
	Broadcast bool
}

// Transport is the contract implemented by each medium. Implementations are
// safe for concurrent use, but the session above serializes exchanges: at
// most one Exchange call is in flight per transport.
type Transport interface {
	// Connect establishes the channel. It blocks until connected or the
	// context is cancelled.
	Connect(ctx context.Context) error

	// Close releases the channel. The transport may be connected again
	// afterwards.
	Close() error

	// IsConnected reports whether the channel is usable.
	IsConnected() bool

	// Exchange sends one request and blocks until the matching response
	// arrives, the context deadline passes (sbus.ErrTimeout) or the
	// channel fails (sbus.TransportError). Transports never retry.
	Exchange(ctx context.Context, req *Request) (*sbus.Telegram, error)

	// Info returns runtime information about the transport.
	Info() Info
}

// Info contains runtime information about a transport.
type Info struct {
	// Kind is the transport kind (ether-udp, ether-tcp, serial,
	// serial-bridge, profi).
	Kind string `json:"kind"`

	// Address is the configured endpoint.
	Address string `json:"address"`

	// State is the current connection state.
	State State `json:"state"`

	// Statistics contains channel statistics.
	Statistics Statistics `json:"statistics"`

	// ConnectedAt is when the channel was established.
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
}

// Statistics contains channel performance statistics.
type Statistics struct {
	BytesSent      uint64 `json:"bytes_sent"`
	BytesReceived  uint64 `json:"bytes_received"`
	FramesSent     uint64 `json:"frames_sent"`
	FramesReceived uint64 `json:"frames_received"`
	FramesDropped  uint64 `json:"frames_dropped"`
	Errors         uint64 `json:"errors"`
}
