package sbus

import (
	"encoding/binary"
	"fmt"

	"github.com/commatea/SBus-Link/pkg/sbus/crc"
)

// Codec translates between Telegram fields and wire bytes. The zero value
// uses the CRC initial value of current controller firmware (0x0000); set
// CRCInit to 0xFFFF for older firmware generations.
type Codec struct {
	CRCInit uint16
}

// encodeLogical serializes the telegram fields in wire order and appends
// the CRC: attribute, station, command, payload, CRC-16 big-endian.
func (c Codec) encodeLogical(t *Telegram) []byte {
	buf := make([]byte, 0, 3+len(t.Payload)+2)
	buf = append(buf, t.Attribute, t.Station, t.Command)
	buf = append(buf, t.Payload...)
	return appendCRC(buf, crc.Update(c.CRCInit, buf))
}

// DecodeLogical parses an unstuffed, headerless telegram. The CRC spans
// every byte before the trailing two.
func (c Codec) DecodeLogical(b []byte) (*Telegram, error) {
	if len(b) < minFrameLen {
		return nil, &FormatError{Reason: fmt.Sprintf("telegram of %d bytes, minimum is %d", len(b), minFrameLen)}
	}
	if err := c.verifyCRC(b); err != nil {
		return nil, err
	}
	if b[0] > AttrAck {
		return nil, &FormatError{Reason: fmt.Sprintf("unknown attribute 0x%02X", b[0])}
	}
	return &Telegram{
		Attribute: b[0],
		Station:   b[1],
		Command:   b[2],
		Payload:   append([]byte(nil), b[3:len(b)-2]...),
	}, nil
}

// EncodeEther wraps the telegram in the 8-byte Ether-S-Bus header. The CRC
// covers the header as well as the telegram fields.
func (c Codec) EncodeEther(t *Telegram, seq uint16) ([]byte, error) {
	if len(t.Payload) > maxPayloadLen {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrInvalidArgument, len(t.Payload))
	}
	total := EtherHeaderLen + 3 + len(t.Payload) + 2
	buf := make([]byte, 0, total)
	buf = binary.BigEndian.AppendUint32(buf, uint32(total))
	buf = append(buf, EtherVersion, EtherTypeData)
	buf = binary.BigEndian.AppendUint16(buf, seq)
	buf = append(buf, t.Attribute, t.Station, t.Command)
	buf = append(buf, t.Payload...)
	return appendCRC(buf, crc.Update(c.CRCInit, buf)), nil
}

// DecodeEther parses an Ether-S-Bus frame and returns the embedded telegram
// together with the header sequence number.
func (c Codec) DecodeEther(b []byte) (*Telegram, uint16, error) {
	if len(b) < EtherHeaderLen+minFrameLen {
		return nil, 0, &FormatError{Reason: fmt.Sprintf("ether frame of %d bytes", len(b))}
	}
	if length := binary.BigEndian.Uint32(b[0:4]); int(length) != len(b) {
		return nil, 0, &FormatError{Reason: fmt.Sprintf("length field %d, frame has %d bytes", length, len(b))}
	}
	if b[4] != EtherVersion {
		return nil, 0, &FormatError{Reason: fmt.Sprintf("protocol version 0x%02X", b[4])}
	}
	if err := c.verifyCRC(b); err != nil {
		return nil, 0, err
	}
	seq := binary.BigEndian.Uint16(b[6:8])
	if b[8] > AttrAck {
		return nil, 0, &FormatError{Reason: fmt.Sprintf("unknown attribute 0x%02X", b[8])}
	}
	return &Telegram{
		Attribute: b[8],
		Station:   b[9],
		Command:   b[10],
		Payload:   append([]byte(nil), b[11:len(b)-2]...),
	}, seq, nil
}

// EncodeSerial frames the telegram for the serial line: sync byte followed
// by the stuffed telegram. The CRC is computed before stuffing and the sync
// byte is never stuffed.
func (c Codec) EncodeSerial(t *Telegram) ([]byte, error) {
	if len(t.Payload) > maxPayloadLen {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrInvalidArgument, len(t.Payload))
	}
	logical := c.encodeLogical(t)
	out := make([]byte, 1, 1+len(logical)*2)
	out[0] = FrameSync
	return append(out, Stuff(logical)...), nil
}

// DecodeSerial parses a complete serial frame including the sync byte.
// De-stuffing happens before CRC verification.
func (c Codec) DecodeSerial(b []byte) (*Telegram, error) {
	if len(b) == 0 || b[0] != FrameSync {
		return nil, &FormatError{Reason: "missing frame sync byte"}
	}
	logical, err := Destuff(b[1:])
	if err != nil {
		return nil, err
	}
	return c.DecodeLogical(logical)
}

// EncodeProfi wraps the telegram for the Profibus gateway: node address and
// telegram length, then the plain telegram bytes.
func (c Codec) EncodeProfi(node byte, t *Telegram) ([]byte, error) {
	if len(t.Payload) > maxPayloadLen-minFrameLen {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrInvalidArgument, len(t.Payload))
	}
	logical := c.encodeLogical(t)
	out := make([]byte, 0, 2+len(logical))
	out = append(out, node, byte(len(logical)))
	return append(out, logical...), nil
}

// DecodeProfi strips the gateway wrapper and parses the inner telegram.
func (c Codec) DecodeProfi(b []byte) (*Telegram, byte, error) {
	if len(b) < 2+minFrameLen {
		return nil, 0, &FormatError{Reason: fmt.Sprintf("gateway frame of %d bytes", len(b))}
	}
	if int(b[1]) != len(b)-2 {
		return nil, 0, &FormatError{Reason: fmt.Sprintf("gateway length %d, frame carries %d bytes", b[1], len(b)-2)}
	}
	t, err := c.DecodeLogical(b[2:])
	if err != nil {
		return nil, 0, err
	}
	return t, b[0], nil
}

func (c Codec) verifyCRC(b []byte) error {
	want := crc.Update(c.CRCInit, b[:len(b)-2])
	got := binary.BigEndian.Uint16(b[len(b)-2:])
	if want != got {
		return &CRCError{Want: want, Got: got}
	}
	return nil
}

// Stuff escapes the sync and escape bytes so that 0xB5 on the wire always
// marks a frame start: 0xB5 becomes C5 00, 0xC5 becomes C5 01.
func Stuff(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		switch b {
		case FrameSync:
			out = append(out, EscapeChar, 0x00)
		case EscapeChar:
			out = append(out, EscapeChar, 0x01)
		default:
			out = append(out, b)
		}
	}
	return out
}

// Destuff reverses Stuff. A raw sync byte or a broken escape sequence in
// the data region is a framing violation.
func Destuff(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case FrameSync:
			return nil, &FormatError{Reason: "unescaped sync byte inside frame"}
		case EscapeChar:
			i++
			if i >= len(data) {
				return nil, &FormatError{Reason: "truncated escape sequence"}
			}
			switch data[i] {
			case 0x00:
				out = append(out, FrameSync)
			case 0x01:
				out = append(out, EscapeChar)
			default:
				return nil, &FormatError{Reason: fmt.Sprintf("invalid escape sequence C5 %02X", data[i])}
			}
		default:
			out = append(out, data[i])
		}
	}
	return out, nil
}

func appendCRC(buf []byte, sum uint16) []byte {
	return append(buf, byte(sum>>8), byte(sum))
}
