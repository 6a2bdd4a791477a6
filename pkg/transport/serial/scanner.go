package serial

import (
	"fmt"

	"github.com/commatea/SBus-Link/pkg/sbus"
)

// frameScanner extracts one logical telegram from the serial byte stream.
//
// Every 0xB5 restarts the frame, discarding any partial frame in progress;
// payload bytes are de-stuffed inline, so a raw 0xB5 can only ever mean a
// new frame start. The scanner knows when the frame is complete from the
// response attribute and the expected payload size of the pending request:
// an acknowledge carries no payload, a data response carries responseLen
// bytes.
type frameScanner struct {
	responseLen int

	inFrame bool
	escaped bool
	buf     []byte
}

func newFrameScanner(responseLen int) *frameScanner {
	return &frameScanner{
		responseLen: responseLen,
		buf:         make([]byte, 0, 3+responseLen+2),
	}
}

// feed consumes one wire byte. It returns the complete logical frame
// (header, payload and CRC, de-stuffed) once one is assembled, an error on
// a framing violation (the scanner drops the frame and waits for the next
// sync byte), and nil/nil otherwise.
func (s *frameScanner) feed(c byte) ([]byte, error) {
	if c == sbus.FrameSync {
		s.inFrame = true
		s.escaped = false
		s.buf = s.buf[:0]
		return nil, nil
	}
	if !s.inFrame {
		// Noise outside any frame.
		return nil, nil
	}

	if s.escaped {
		s.escaped = false
		switch c {
		case 0x00:
			c = sbus.FrameSync
		case 0x01:
			c = sbus.EscapeChar
		default:
			s.inFrame = false
			return nil, &sbus.FormatError{Reason: fmt.Sprintf("invalid escape sequence C5 %02X", c)}
		}
	} else if c == sbus.EscapeChar {
		s.escaped = true
		return nil, nil
	}

	s.buf = append(s.buf, c)

	need, known := s.frameLen()
	if !known {
		return nil, nil
	}
	if len(s.buf) < need {
		return nil, nil
	}

	s.inFrame = false
	frame := append([]byte(nil), s.buf...)
	s.buf = s.buf[:0]
	return frame, nil
}

// frameLen derives the total logical frame length once the attribute byte
// is available.
func (s *frameScanner) frameLen() (int, bool) {
	if len(s.buf) < 1 {
		return 0, false
	}
	const headerAndCRC = 3 + 2
	switch s.buf[0] {
	case sbus.AttrAck:
		return headerAndCRC, true
	case sbus.AttrResponse, sbus.AttrRequest:
		return headerAndCRC + s.responseLen, true
	default:
		return headerAndCRC, true
	}
}
