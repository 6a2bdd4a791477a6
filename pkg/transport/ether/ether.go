// Package ether implements the Ether-S-Bus transport over UDP or TCP.
//
// Every request telegram is wrapped in the 8-byte Ether-S-Bus header and
// correlated to its response by the header sequence number. On UDP a
// non-matching datagram is stale traffic and is discarded; on TCP the
// stream is re-assembled frame by frame using the header length field, so
// partial reads are accumulated until a full frame is available.
package ether

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/commatea/SBus-Link/pkg/logger"
	"github.com/commatea/SBus-Link/pkg/sbus"
	"github.com/commatea/SBus-Link/pkg/transport"
)

const (
	maxFrameLen     = 4096
	minFrameLen     = sbus.EtherHeaderLen + 5
	datagramBufSize = 2048
)

// Config holds Ether-S-Bus transport configuration.
type Config struct {
	// Host is the controller hostname or IP address.
	Host string

	// Port is the UDP/TCP port, typically 5050.
	Port int

	// UseTCP selects TCP instead of UDP.
	UseTCP bool

	// DialTimeout bounds connection establishment (TCP only).
	DialTimeout time.Duration

	// Codec builds and parses frames.
	Codec sbus.Codec
}

// Transport implements transport.Transport for Ether-S-Bus.
type Transport struct {
	mu sync.Mutex

	config Config
	conn   net.Conn

	state       transport.State
	stats       transport.Statistics
	connectedAt *time.Time

	rbuf []byte
	log  *logger.Logger
}

// New creates an Ether-S-Bus transport.
func New(config Config) *Transport {
	if config.Port == 0 {
		config.Port = sbus.DefaultPort
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}
	return &Transport{
		config: config,
		state:  transport.StateDisconnected,
		rbuf:   make([]byte, datagramBufSize),
		log:    logger.Global().Component("ether"),
	}
}

func (t *Transport) network() string {
	if t.config.UseTCP {
		return "tcp"
	}
	return "udp"
}

func (t *Transport) address() string {
	return net.JoinHostPort(t.config.Host, fmt.Sprintf("%d", t.config.Port))
}

// Connect opens the socket. A UDP "connection" only binds the remote
// address; there is no handshake.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == transport.StateConnected {
		return nil
	}
	t.state = transport.StateConnecting

	dialer := net.Dialer{Timeout: t.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, t.network(), t.address())
	if err != nil {
		t.state = transport.StateDisconnected
		return &sbus.TransportError{Op: "connect", Err: err}
	}

	t.conn = conn
	now := time.Now()
	t.connectedAt = &now
	t.state = transport.StateConnected
	t.log.Debug("connected", "network", t.network(), "address", t.address())
	return nil
}

// Close releases the socket. The transport may be connected again.
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

// IsConnected reports whether the socket is open.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == transport.StateConnected
}

// Exchange sends one framed telegram and waits for the response whose
// header carries the request's sequence number.
func (t *Transport) Exchange(ctx context.Context, req *transport.Request) (*sbus.Telegram, error) {
	t.mu.Lock()
	conn := t.conn
	connected := t.state == transport.StateConnected
	t.mu.Unlock()

	if !connected || conn == nil {
		return nil, transport.ErrNotConnected
	}

	frame, err := t.config.Codec.EncodeEther(req.Telegram, req.Sequence)
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
	t.log.Debug("sent frame", "seq", req.Sequence, logger.Hex("frame", frame))

	if req.Broadcast {
		return nil, nil
	}

	if t.config.UseTCP {
		return t.receiveStream(ctx, conn, req.Sequence)
	}
	return t.receiveDatagram(ctx, conn, req.Sequence)
}

// receiveDatagram reads datagrams until one matches the pending sequence.
// Malformed datagrams and stale sequences are dropped.
func (t *Transport) receiveDatagram(ctx context.Context, conn net.Conn, seq uint16) (*sbus.Telegram, error) {
	for {
		n, err := conn.Read(t.rbuf)
		if err != nil {
			t.countError()
			return nil, transport.WireError(ctx, "receive", err)
		}
		frame := t.rbuf[:n]
		t.countReceived(n)

		if got, ok := peekSequence(frame); !ok || got != seq {
			t.countDropped()
			t.log.Debug("discarding stale datagram", "want", seq, logger.Hex("frame", frame))
			continue
		}

		tg, _, err := t.config.Codec.DecodeEther(frame)
		if err != nil {
			if errors.Is(err, sbus.ErrFormat) {
				t.countDropped()
				continue
			}
			return nil, err
		}
		return tg, nil
	}
}

// receiveStream re-assembles frames from the TCP stream. The 4-byte length
// prefix is read first, then the remainder is accumulated until the
// declared length is satisfied.
func (t *Transport) receiveStream(ctx context.Context, conn net.Conn, seq uint16) (*sbus.Telegram, error) {
	var header [4]byte
	for {
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			t.countError()
			return nil, transport.WireError(ctx, "receive", err)
		}
		length := binary.BigEndian.Uint32(header[:])
		if length < minFrameLen || length > maxFrameLen {
			// Stream framing is gone, no way to resync.
			t.countError()
			return nil, &sbus.TransportError{Op: "receive", Err: fmt.Errorf("implausible frame length %d", length)}
		}

		frame := make([]byte, length)
		copy(frame, header[:])
		if _, err := io.ReadFull(conn, frame[4:]); err != nil {
			t.countError()
			return nil, transport.WireError(ctx, "receive", err)
		}
		t.countReceived(int(length))

		if got, ok := peekSequence(frame); !ok || got != seq {
			t.countDropped()
			t.log.Debug("skipping frame with stale sequence", "want", seq)
			continue
		}

		tg, _, err := t.config.Codec.DecodeEther(frame)
		if err != nil {
			if errors.Is(err, sbus.ErrFormat) {
				t.countDropped()
				continue
			}
			return nil, err
		}
		return tg, nil
	}
}

// Info returns transport information.
func (t *Transport) Info() transport.Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	kind := "ether-udp"
	if t.config.UseTCP {
		kind = "ether-tcp"
	}
	return transport.Info{
		Kind:        kind,
		Address:     t.address(),
		State:       t.state,
		Statistics:  t.stats,
		ConnectedAt: t.connectedAt,
	}
}

// peekSequence extracts the header sequence number without a full decode,
// so stale traffic can be dropped before its CRC is considered.
func peekSequence(frame []byte) (uint16, bool) {
	if len(frame) < sbus.EtherHeaderLen {
		return 0, false
	}
	return binary.BigEndian.Uint16(frame[6:8]), true
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

func (t *Transport) countDropped() {
	t.mu.Lock()
	t.stats.FramesDropped++
	t.mu.Unlock()
}

func (t *Transport) countError() {
	t.mu.Lock()
	t.stats.Errors++
	t.mu.Unlock()
}
