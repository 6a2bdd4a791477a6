// Package profi implements the Profi-S-Bus transport. The client talks TCP
// to a Profibus gateway; the gateway performs the Profibus Layer-2 hop and
// relays S-Bus telegrams to the target node. Each telegram is wrapped in
// the gateway envelope carrying the Profibus node address and the telegram
// length.
package profi

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/commatea/SBus-Link/pkg/logger"
	"github.com/commatea/SBus-Link/pkg/sbus"
	"github.com/commatea/SBus-Link/pkg/transport"
)

// MaxNode is the highest valid Profibus node address.
const MaxNode = 126

// Config holds Profi-S-Bus transport configuration.
type Config struct {
	// Host is the gateway hostname or IP address.
	Host string

	// Port is the gateway TCP port.
	Port int

	// Node is the Profibus node address of the target controller (0-126).
	Node byte

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration

	// Codec builds and parses frames.
	Codec sbus.Codec
}

// Transport implements transport.Transport for the Profibus gateway.
type Transport struct {
	mu sync.Mutex

	config Config
	conn   net.Conn

	state       transport.State
	stats       transport.Statistics
	connectedAt *time.Time

	log *logger.Logger
}

// New creates a Profi-S-Bus transport.
func New(config Config) *Transport {
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}
	return &Transport{
		config: config,
		state:  transport.StateDisconnected,
		log:    logger.Global().Component("profi"),
	}
}

func (t *Transport) address() string {
	return net.JoinHostPort(t.config.Host, fmt.Sprintf("%d", t.config.Port))
}

// Connect dials the gateway.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == transport.StateConnected {
		return nil
	}
	t.state = transport.StateConnecting

	dialer := net.Dialer{Timeout: t.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.address())
	if err != nil {
		t.state = transport.StateDisconnected
		return &sbus.TransportError{Op: "connect", Err: err}
	}

	t.conn = conn
	now := time.Now()
	t.connectedAt = &now
	t.state = transport.StateConnected
	t.log.Debug("connected to gateway", "address", t.address(), "node", t.config.Node)
	return nil
}

// Close releases the gateway connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		t.state = transport.StateDisconnected
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	t.connectedAt = nil
	t.state = transport.StateDisconnected
	return err
}

// IsConnected reports whether the gateway connection is open.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == transport.StateConnected
}

// Exchange sends one gateway-wrapped telegram and unwraps the response.
// Correlation is by strict request/response ordering on the channel.
func (t *Transport) Exchange(ctx context.Context, req *transport.Request) (*sbus.Telegram, error) {
	t.mu.Lock()
	conn := t.conn
	connected := t.state == transport.StateConnected
	t.mu.Unlock()

	if !connected || conn == nil {
		return nil, transport.ErrNotConnected
	}

	frame, err := t.config.Codec.EncodeProfi(t.config.Node, req.Telegram)
	if err != nil {
		return nil, err
	}

	stop := transport.WatchContext(ctx, conn)
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	n, err := conn.Write(frame)
	if err != nil {
		t.countError()
		return nil, transport.WireError(ctx, "send", err)
	}
	t.countSent(n)
	t.log.Debug("sent frame", "node", t.config.Node, logger.Hex("frame", frame))

	if req.Broadcast {
		return nil, nil
	}

	// Gateway envelope: node, length, then the telegram bytes.
	var header [2]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		t.countError()
		return nil, transport.WireError(ctx, "receive", err)
	}
	body := make([]byte, int(header[1]))
	if _, err := io.ReadFull(conn, body); err != nil {
		t.countError()
		return nil, transport.WireError(ctx, "receive", err)
	}
	t.countReceived(2 + len(body))

	wrapped := append(header[:], body...)
	tg, _, err := t.config.Codec.DecodeProfi(wrapped)
	if err != nil {
		return nil, err
	}
	return tg, nil
}

// Info returns transport information.
func (t *Transport) Info() transport.Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	return transport.Info{
		Kind:        "profi",
		Address:     t.address(),
		State:       t.state,
		Statistics:  t.stats,
		ConnectedAt: t.connectedAt,
	}
}

func (t *Transport) countSent(n int) {
	t.mu.Lock()
	t.stats.BytesSent += uint64(n)
	t.stats.FramesSent++
	t.mu.Unlock()
}

func (t *Transport) countReceived(n int) {
	t.mu.Lock()
	t.stats.BytesReceived += uint64(n)
	t.stats.FramesReceived++
	t.mu.Unlock()
}

func (t *Transport) countError() {
	t.mu.Lock()
	t.stats.Errors++
	t.mu.Unlock()
}
