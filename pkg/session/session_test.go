package session

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/commatea/SBus-Link/pkg/sbus"
	"github.com/commatea/SBus-Link/pkg/transport"
)

// fakeTransport records every request and answers through a pluggable
// handler, so tests can script failures per attempt.
type fakeTransport struct {
	mu       sync.Mutex
	requests []*transport.Request
	handler  func(call int, req *transport.Request) (*sbus.Telegram, error)

	connected bool
	connects  int
	closes    int
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	f.connects++
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.closes++
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Exchange(ctx context.Context, req *transport.Request) (*sbus.Telegram, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	call := len(f.requests)
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		return nil, sbus.ErrTimeout
	}
	return handler(call, req)
}

func (f *fakeTransport) Info() transport.Info {
	return transport.Info{Kind: "fake", State: transport.StateConnected}
}

func (f *fakeTransport) calls() []*transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*transport.Request(nil), f.requests...)
}

func respond(command byte, payload []byte) *sbus.Telegram {
	return &sbus.Telegram{Attribute: sbus.AttrResponse, Command: command, Payload: payload}
}

func ack() *sbus.Telegram {
	return &sbus.Telegram{Attribute: sbus.AttrAck}
}

func wordPayload(values ...uint32) []byte {
	out := make([]byte, 0, len(values)*4)
	for _, v := range values {
		out = binary.BigEndian.AppendUint32(out, v)
	}
	return out
}

func fastConfig(station byte) Config {
	return Config{
		Station:  station,
		Timeout:  time.Second,
		Attempts: 3,
		Backoff:  []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond},
	}
}

func TestReadRegisters(t *testing.T) {
	tr := &fakeTransport{
		handler: func(call int, req *transport.Request) (*sbus.Telegram, error) {
			return respond(req.Telegram.Command, wordPayload(10, 20, 30, 40)), nil
		},
	}
	s := New(tr, fastConfig(10))

	values, err := s.ReadRegisters(context.Background(), 100, 4)
	if err != nil {
		t.Fatalf("ReadRegisters: %v", err)
	}
	want := []uint32{10, 20, 30, 40}
	for i, v := range want {
		if values[i] != v {
			t.Errorf("values[%d] = %d, want %d", i, values[i], v)
		}
	}

	reqs := tr.calls()
	if len(reqs) != 1 {
		t.Fatalf("got %d exchanges, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Telegram.Command != sbus.CmdReadRegister {
		t.Errorf("command = 0x%02X, want 0x%02X", req.Telegram.Command, sbus.CmdReadRegister)
	}
	if req.Telegram.Station != 10 {
		t.Errorf("station = %d, want 10", req.Telegram.Station)
	}
	wantPayload := []byte{0x00, 0x64, 0x00, 0x04}
	if string(req.Telegram.Payload) != string(wantPayload) {
		t.Errorf("payload = % X, want % X", req.Telegram.Payload, wantPayload)
	}
	if req.ResponseLen != 16 {
		t.Errorf("ResponseLen = %d, want 16", req.ResponseLen)
	}
}

func TestReadFlagsUnpacksLSBFirst(t *testing.T) {
	// Flag 5 of the byte is set: bit 5, LSB first.
	tr := &fakeTransport{
		handler: func(call int, req *transport.Request) (*sbus.Telegram, error) {
			return respond(req.Telegram.Command, []byte{0x20}), nil
		},
	}
	s := New(tr, fastConfig(10))

	flags, err := s.ReadFlags(context.Background(), 0, 8)
	if err != nil {
		t.Fatalf("ReadFlags: %v", err)
	}
	for i, f := range flags {
		want := i == 5
		if f != want {
			t.Errorf("flags[%d] = %v, want %v", i, f, want)
		}
	}
}

func TestReadFlagsResponseLen(t *testing.T) {
	tr := &fakeTransport{
		handler: func(call int, req *transport.Request) (*sbus.Telegram, error) {
			return respond(req.Telegram.Command, make([]byte, req.ResponseLen)), nil
		},
	}
	s := New(tr, fastConfig(10))

	if _, err := s.ReadFlags(context.Background(), 0, 9); err != nil {
		t.Fatalf("ReadFlags: %v", err)
	}
	reqs := tr.calls()
	if got := reqs[0].ResponseLen; got != 2 {
		t.Errorf("ResponseLen for 9 flags = %d, want 2", got)
	}
}

func TestRetryBoundAndSequence(t *testing.T) {
	tr := &fakeTransport{
		handler: func(call int, req *transport.Request) (*sbus.Telegram, error) {
			return nil, sbus.ErrTimeout
		},
	}
	s := New(tr, fastConfig(10))

	start := time.Now()
	_, err := s.ReadRegisters(context.Background(), 0, 1)
	elapsed := time.Since(start)

	if !errors.Is(err, sbus.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	reqs := tr.calls()
	if len(reqs) != 3 {
		t.Fatalf("got %d attempts, want 3", len(reqs))
	}
	for i := 1; i < len(reqs); i++ {
		if reqs[i].Sequence != reqs[i-1].Sequence+1 {
			t.Errorf("sequence did not advance between attempts: %d then %d",
				reqs[i-1].Sequence, reqs[i].Sequence)
		}
	}
	// Backoff runs after every failed attempt: 1 + 2 + 4 ms.
	if elapsed < 7*time.Millisecond {
		t.Errorf("elapsed %v, want at least 7ms of backoff", elapsed)
	}
}

func TestCRCErrorRetriesThenSucceeds(t *testing.T) {
	tr := &fakeTransport{
		handler: func(call int, req *transport.Request) (*sbus.Telegram, error) {
			if call < 3 {
				return nil, &sbus.CRCError{Want: 0x1234, Got: 0x4321}
			}
			return respond(req.Telegram.Command, wordPayload(7)), nil
		},
	}
	s := New(tr, fastConfig(10))

	values, err := s.ReadRegisters(context.Background(), 0, 1)
	if err != nil {
		t.Fatalf("ReadRegisters: %v", err)
	}
	if values[0] != 7 {
		t.Errorf("values[0] = %d, want 7", values[0])
	}
	if got := len(tr.calls()); got != 3 {
		t.Errorf("got %d attempts, want 3", got)
	}
}

func TestFormatErrorDoesNotRetry(t *testing.T) {
	tr := &fakeTransport{
		handler: func(call int, req *transport.Request) (*sbus.Telegram, error) {
			return nil, &sbus.FormatError{Reason: "bad attribute"}
		},
	}
	s := New(tr, fastConfig(10))

	_, err := s.ReadRegisters(context.Background(), 0, 1)
	if !errors.Is(err, sbus.ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
	if got := len(tr.calls()); got != 1 {
		t.Errorf("got %d attempts, want 1", got)
	}
}

func TestWriteRegister(t *testing.T) {
	tr := &fakeTransport{
		handler: func(call int, req *transport.Request) (*sbus.Telegram, error) {
			return ack(), nil
		},
	}
	s := New(tr, fastConfig(10))

	if err := s.WriteRegister(context.Background(), 200, 0xDEADBEEF); err != nil {
		t.Fatalf("WriteRegister: %v", err)
	}
	req := tr.calls()[0]
	if req.Telegram.Command != sbus.CmdWriteRegister {
		t.Errorf("command = 0x%02X, want 0x%02X", req.Telegram.Command, sbus.CmdWriteRegister)
	}
	want := []byte{0x00, 0xC8, 0xDE, 0xAD, 0xBE, 0xEF}
	if string(req.Telegram.Payload) != string(want) {
		t.Errorf("payload = % X, want % X", req.Telegram.Payload, want)
	}
}

func TestWriteFlagPayload(t *testing.T) {
	tr := &fakeTransport{
		handler: func(call int, req *transport.Request) (*sbus.Telegram, error) {
			return ack(), nil
		},
	}
	s := New(tr, fastConfig(10))

	if err := s.WriteFlag(context.Background(), 42, true); err != nil {
		t.Fatalf("WriteFlag: %v", err)
	}
	want := []byte{0x00, 0x2A, 0x01}
	if got := tr.calls()[0].Telegram.Payload; string(got) != string(want) {
		t.Errorf("payload = % X, want % X", got, want)
	}
}

func TestBroadcastWrite(t *testing.T) {
	tr := &fakeTransport{
		handler: func(call int, req *transport.Request) (*sbus.Telegram, error) {
			if !req.Broadcast {
				t.Error("Broadcast not set on request")
			}
			return nil, nil
		},
	}
	s := New(tr, fastConfig(sbus.BroadcastStation))

	if err := s.WriteRegister(context.Background(), 0, 1); err != nil {
		t.Fatalf("broadcast WriteRegister: %v", err)
	}
}

func TestBroadcastReadRejected(t *testing.T) {
	s := New(&fakeTransport{}, fastConfig(sbus.BroadcastStation))
	_, err := s.ReadRegisters(context.Background(), 0, 1)
	if !errors.Is(err, sbus.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestInvalidArguments(t *testing.T) {
	s := New(&fakeTransport{}, fastConfig(10))
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"zero count", func() error { _, err := s.ReadRegisters(ctx, 0, 0); return err }},
		{"count over batch limit", func() error { _, err := s.ReadRegisters(ctx, 0, sbus.MaxBatch+1); return err }},
		{"range past max address", func() error { _, err := s.ReadRegisters(ctx, sbus.MaxAddress, 2); return err }},
		{"block count zero", func() error { _, err := s.ReadBlock(ctx, 0, 0, 0); return err }},
		{"block count over limit", func() error { _, err := s.ReadBlock(ctx, 0, 0, MaxBlockBytes+1); return err }},
		{"empty block write", func() error { return s.WriteBlock(ctx, 0, 0, nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, sbus.ErrInvalidArgument) {
				t.Errorf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}
	if got := len(s.tr.(*fakeTransport).calls()); got != 0 {
		t.Errorf("invalid arguments reached the transport: %d exchanges", got)
	}
}

func TestFailWhenBusy(t *testing.T) {
	inFlight := make(chan struct{})
	unblock := make(chan struct{})
	tr := &fakeTransport{
		handler: func(call int, req *transport.Request) (*sbus.Telegram, error) {
			close(inFlight)
			<-unblock
			return respond(req.Telegram.Command, wordPayload(1)), nil
		},
	}
	cfg := fastConfig(10)
	cfg.FailWhenBusy = true
	s := New(tr, cfg)

	done := make(chan error, 1)
	go func() {
		_, err := s.ReadRegisters(context.Background(), 0, 1)
		done <- err
	}()

	<-inFlight
	_, err := s.ReadRegisters(context.Background(), 0, 1)
	if !errors.Is(err, sbus.ErrBusy) {
		t.Fatalf("second operation err = %v, want ErrBusy", err)
	}

	close(unblock)
	if err := <-done; err != nil {
		t.Fatalf("first operation: %v", err)
	}
}

func TestClosedSession(t *testing.T) {
	s := New(&fakeTransport{}, fastConfig(10))
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := s.ReadRegisters(context.Background(), 0, 1)
	if !errors.Is(err, sbus.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestReadBlock(t *testing.T) {
	var got *transport.Request
	tr := &fakeTransport{
		handler: func(call int, req *transport.Request) (*sbus.Telegram, error) {
			got = req
			return respond(req.Telegram.Command, []byte{0xAA, 0xBB, 0xCC}), nil
		},
	}
	s := New(tr, fastConfig(10))

	data, err := s.ReadBlock(context.Background(), 7, 16, 3)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if string(data) != string([]byte{0xAA, 0xBB, 0xCC}) {
		t.Errorf("data = % X", data)
	}
	want := []byte{0x00, 0x07, 0x00, 0x10, 0x00, 0x03}
	if string(got.Telegram.Payload) != string(want) {
		t.Errorf("payload = % X, want % X", got.Telegram.Payload, want)
	}
}

func TestDeviceInfo(t *testing.T) {
	regs := map[uint16][]uint32{
		600: packASCII("PCD3000012345678TEST", 5),
		605: packASCII("PCD3.M5540 FW", 7),
		612: packASCII("B", 1),
		614: {0x00010A03},
		621: {2},
	}
	tr := &fakeTransport{
		handler: func(call int, req *transport.Request) (*sbus.Telegram, error) {
			start := binary.BigEndian.Uint16(req.Telegram.Payload[:2])
			values, ok := regs[start]
			if !ok {
				return nil, &sbus.FormatError{Reason: "unexpected register"}
			}
			return respond(req.Telegram.Command, wordPayload(values...)), nil
		},
	}
	s := New(tr, fastConfig(10))

	info, err := s.DeviceInfo(context.Background())
	if err != nil {
		t.Fatalf("DeviceInfo: %v", err)
	}
	if info.SerialNumber != "PCD3000012345678TEST" {
		t.Errorf("SerialNumber = %q", info.SerialNumber)
	}
	if info.ProductType != "PCD3.M5540 FW" {
		t.Errorf("ProductType = %q", info.ProductType)
	}
	if info.HardwareVersion != "B" {
		t.Errorf("HardwareVersion = %q", info.HardwareVersion)
	}
	if info.FirmwareVersion != "1.10.3" {
		t.Errorf("FirmwareVersion = %q, want 1.10.3", info.FirmwareVersion)
	}
	if info.ProtocolVersion != 2 {
		t.Errorf("ProtocolVersion = %d, want 2", info.ProtocolVersion)
	}
}

func TestDeviceInfoFailureNamesRegister(t *testing.T) {
	tr := &fakeTransport{
		handler: func(call int, req *transport.Request) (*sbus.Telegram, error) {
			start := binary.BigEndian.Uint16(req.Telegram.Payload[:2])
			if start == 614 {
				return nil, &sbus.FormatError{Reason: "unsupported"}
			}
			count := int(binary.BigEndian.Uint16(req.Telegram.Payload[2:4]))
			return respond(req.Telegram.Command, make([]byte, count*4)), nil
		},
	}
	s := New(tr, fastConfig(10))

	_, err := s.DeviceInfo(context.Background())
	var infoErr *sbus.DeviceInfoError
	if !errors.As(err, &infoErr) {
		t.Fatalf("err = %v, want DeviceInfoError", err)
	}
	if infoErr.Register != 614 {
		t.Errorf("Register = %d, want 614", infoErr.Register)
	}
}

// packASCII packs a string into big-endian registers, 4 chars each, NUL
// padded, the way a controller stores identification text.
func packASCII(s string, regs int) []uint32 {
	raw := make([]byte, regs*4)
	copy(raw, s)
	out := make([]uint32, regs)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(raw[i*4 : i*4+4])
	}
	return out
}
