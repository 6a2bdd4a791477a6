package profi

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/commatea/SBus-Link/pkg/sbus"
	"github.com/commatea/SBus-Link/pkg/transport"
)

// fakeGateway accepts one connection and answers each enveloped request
// through respond.
func fakeGateway(t *testing.T, respond func(node byte, tg *sbus.Telegram) []byte) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	codec := sbus.Codec{}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var header [2]byte
			if _, err := io.ReadFull(conn, header[:]); err != nil {
				return
			}
			body := make([]byte, int(header[1]))
			if _, err := io.ReadFull(conn, body); err != nil {
				return
			}
			tg, node, err := codec.DecodeProfi(append(header[:], body...))
			if err != nil {
				continue
			}
			if out := respond(node, tg); out != nil {
				if _, err := conn.Write(out); err != nil {
					return
				}
			}
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func encodeGatewayResponse(t *testing.T, node, station byte, payload []byte) []byte {
	t.Helper()
	frame, err := sbus.Codec{}.EncodeProfi(node, &sbus.Telegram{
		Attribute: sbus.AttrResponse,
		Station:   station,
		Payload:   payload,
	})
	if err != nil {
		t.Fatalf("EncodeProfi: %v", err)
	}
	return frame
}

func TestGatewayExchange(t *testing.T) {
	var seenNode byte
	port := fakeGateway(t, func(node byte, tg *sbus.Telegram) []byte {
		seenNode = node
		return encodeGatewayResponse(t, node, tg.Station, []byte{0x00, 0x00, 0x01, 0xF4})
	})

	tr := New(Config{Host: "127.0.0.1", Port: port, Node: 17})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	resp, err := tr.Exchange(context.Background(), &transport.Request{
		Telegram: &sbus.Telegram{
			Attribute: sbus.AttrRequest,
			Station:   10,
			Command:   sbus.CmdReadRegister,
			Payload:   []byte{0x00, 0x64, 0x00, 0x01},
		},
		ResponseLen: 4,
	})
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if got := binary.BigEndian.Uint32(resp.Payload); got != 500 {
		t.Errorf("payload value = %d, want 500", got)
	}
	if seenNode != 17 {
		t.Errorf("gateway saw node %d, want 17", seenNode)
	}
}

func TestGatewayTimeout(t *testing.T) {
	port := fakeGateway(t, func(node byte, tg *sbus.Telegram) []byte {
		return nil // never answer
	})

	tr := New(Config{Host: "127.0.0.1", Port: port, Node: 1})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := tr.Exchange(ctx, &transport.Request{
		Telegram:    &sbus.Telegram{Attribute: sbus.AttrRequest, Station: 10, Command: sbus.CmdReadRegister, Payload: []byte{0x00, 0x00, 0x00, 0x01}},
		ResponseLen: 4,
	})
	if !errors.Is(err, sbus.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestGatewayCorruptFrame(t *testing.T) {
	port := fakeGateway(t, func(node byte, tg *sbus.Telegram) []byte {
		frame := encodeGatewayResponse(t, node, tg.Station, []byte{0x01, 0x02, 0x03, 0x04})
		frame[len(frame)-1] ^= 0xFF
		return frame
	})

	tr := New(Config{Host: "127.0.0.1", Port: port, Node: 1})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	_, err := tr.Exchange(context.Background(), &transport.Request{
		Telegram:    &sbus.Telegram{Attribute: sbus.AttrRequest, Station: 10, Command: sbus.CmdReadRegister, Payload: []byte{0x00, 0x00, 0x00, 0x01}},
		ResponseLen: 4,
	})
	if !errors.Is(err, sbus.ErrCRC) {
		t.Fatalf("err = %v, want ErrCRC", err)
	}
}

func TestGatewayExchangeWithoutConnect(t *testing.T) {
	tr := New(Config{Host: "127.0.0.1", Port: 5050, Node: 1})
	_, err := tr.Exchange(context.Background(), &transport.Request{
		Telegram: &sbus.Telegram{Attribute: sbus.AttrRequest, Station: 1, Command: sbus.CmdReadRegister, Payload: []byte{0x00, 0x00, 0x00, 0x01}},
	})
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}
