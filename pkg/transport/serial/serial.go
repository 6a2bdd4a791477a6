// Package serial implements the Serial-S-Bus transport over a local
// RS-232/RS-485 port or a TCP serial bridge. Both expose the same framed
// byte-stream contract: a 0xB5 sync byte followed by the stuffed telegram.
//
// There are no sequence numbers on the serial line. Exactly one request is
// outstanding at a time and the receiver correlates by ordering alone;
// bytes arriving while no request is pending are discarded.
package serial

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/commatea/SBus-Link/pkg/logger"
	"github.com/commatea/SBus-Link/pkg/sbus"
	"github.com/commatea/SBus-Link/pkg/transport"
	bugst "go.bug.st/serial"
)

// readSlice is how long a single blocking read waits before the receive
// loop re-checks the context.
const readSlice = 50 * time.Millisecond

// Config holds Serial-S-Bus transport configuration.
type Config struct {
	// Device is the serial port path ("/dev/ttyUSB0") or, when Bridge is
	// set, the bridge endpoint as "host:port".
	Device string

	// Baud is the line speed, 1200 to 115200. The line is always 8 data
	// bits, no parity, 1 stop bit.
	Baud int

	// Bridge selects a TCP serial bridge instead of a local port.
	Bridge bool

	// DialTimeout bounds bridge connection establishment.
	DialTimeout time.Duration

	// Codec builds and parses frames.
	Codec sbus.Codec
}

// line is the common surface of a local port and a bridge socket.
type line interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	setReadTimeout(d time.Duration) error
	drainInput()
}

// Transport implements transport.Transport for Serial-S-Bus.
type Transport struct {
	mu sync.Mutex

	config Config
	line   line

	state       transport.State
	stats       transport.Statistics
	connectedAt *time.Time

	log *logger.Logger
}

// New creates a Serial-S-Bus transport.
func New(config Config) *Transport {
	if config.Baud == 0 {
		config.Baud = 9600
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}
	return &Transport{
		config: config,
		state:  transport.StateDisconnected,
		log:    logger.Global().Component("serial"),
	}
}

// Connect opens the serial port or dials the bridge.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == transport.StateConnected {
		return nil
	}
	t.state = transport.StateConnecting

	var (
		l   line
		err error
	)
	if t.config.Bridge {
		l, err = dialBridge(ctx, t.config.Device, t.config.DialTimeout)
	} else {
		l, err = openPort(t.config.Device, t.config.Baud)
	}
	if err != nil {
		t.state = transport.StateDisconnected
		return &sbus.TransportError{Op: "connect", Err: err}
	}

	t.line = l
	now := time.Now()
	t.connectedAt = &now
	t.state = transport.StateConnected
	t.log.Debug("connected", "device", t.config.Device, "baud", t.config.Baud, "bridge", t.config.Bridge)
	return nil
}

// Close releases the line.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.line == nil {
		t.state = transport.StateDisconnected
		return nil
	}
	err := t.line.Close()
	t.line = nil
	t.connectedAt = nil
	t.state = transport.StateDisconnected
	return err
}

// IsConnected reports whether the line is open.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == transport.StateConnected
}

// Exchange writes one stuffed frame and scans the inbound byte stream for
// the response frame.
func (t *Transport) Exchange(ctx context.Context, req *transport.Request) (*sbus.Telegram, error) {
	t.mu.Lock()
	l := t.line
	connected := t.state == transport.StateConnected
	t.mu.Unlock()

	if !connected || l == nil {
		return nil, transport.ErrNotConnected
	}

	frame, err := t.config.Codec.EncodeSerial(req.Telegram)
	if err != nil {
		return nil, err
	}

	// Anything still buffered belongs to no pending request.
	l.drainInput()

	n, err := l.Write(frame)
	if err != nil {
		t.countError()
		return nil, transport.WireError(ctx, "send", err)
	}
	t.countSent(n)
	t.log.Debug("sent frame", logger.Hex("frame", frame))

	if req.Broadcast {
		return nil, nil
	}
	return t.receive(ctx, l, req.ResponseLen)
}

// receive reads the line in short slices, feeding bytes to the frame
// scanner until a complete frame arrives or the context expires.
func (t *Transport) receive(ctx context.Context, l line, responseLen int) (*sbus.Telegram, error) {
	scanner := newFrameScanner(responseLen)
	buf := make([]byte, 256)

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.Canceled {
				return nil, ctx.Err()
			}
			return nil, sbus.ErrTimeout
		default:
		}

		l.setReadTimeout(readSlice)
		n, err := l.Read(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			t.countError()
			return nil, transport.WireError(ctx, "receive", err)
		}
		if n == 0 {
			continue
		}
		t.countBytes(n)

		for _, c := range buf[:n] {
			logical, err := scanner.feed(c)
			if err != nil {
				// Line noise; the scanner resynced itself.
				t.countDropped()
				continue
			}
			if logical == nil {
				continue
			}
			tg, err := t.config.Codec.DecodeLogical(logical)
			if err != nil {
				if errors.Is(err, sbus.ErrFormat) {
					t.countDropped()
					continue
				}
				return nil, err
			}
			t.countFrame()
			return tg, nil
		}
	}
}

// Info returns transport information.
func (t *Transport) Info() transport.Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	kind := "serial"
	if t.config.Bridge {
		kind = "serial-bridge"
	}
	return transport.Info{
		Kind:        kind,
		Address:     t.config.Device,
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

func (t *Transport) countBytes(n int) {
	t.mu.Lock()
	t.stats.BytesReceived += uint64(n)
	t.mu.Unlock()
}

func (t *Transport) countFrame() {
	t.mu.Lock()
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

func isTimeout(err error) bool {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}

// portLine adapts a local go.bug.st/serial port.
type portLine struct {
	port bugst.Port
}

func openPort(device string, baud int) (*portLine, error) {
	mode := &bugst.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	port, err := bugst.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	return &portLine{port: port}, nil
}

func (p *portLine) Read(b []byte) (int, error)  { return p.port.Read(b) }
func (p *portLine) Write(b []byte) (int, error) { return p.port.Write(b) }
func (p *portLine) Close() error                { return p.port.Close() }

func (p *portLine) setReadTimeout(d time.Duration) error {
	return p.port.SetReadTimeout(d)
}

func (p *portLine) drainInput() {
	p.port.ResetInputBuffer()
}

// bridgeLine adapts a TCP serial bridge socket.
type bridgeLine struct {
	conn net.Conn
}

func dialBridge(ctx context.Context, addr string, timeout time.Duration) (*bridgeLine, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("bridge address %q: %w", addr, err)
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &bridgeLine{conn: conn}, nil
}

func (b *bridgeLine) Read(p []byte) (int, error)  { return b.conn.Read(p) }
func (b *bridgeLine) Write(p []byte) (int, error) { return b.conn.Write(p) }
func (b *bridgeLine) Close() error                { return b.conn.Close() }

func (b *bridgeLine) setReadTimeout(d time.Duration) error {
	return b.conn.SetReadDeadline(time.Now().Add(d))
}

// drainInput is a no-op for the bridge; the scanner resyncs on the next
// 0xB5 instead.
func (b *bridgeLine) drainInput() {}
