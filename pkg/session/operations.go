package session

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/commatea/SBus-Link/pkg/sbus"
)

// MaxBlockBytes bounds a single data-block read or write.
const MaxBlockBytes = 128

// ReadRegisters reads count registers starting at start. Register values
// are 32-bit big-endian on the wire.
func (s *Session) ReadRegisters(ctx context.Context, start uint16, count int) ([]uint32, error) {
	return s.readWords(ctx, sbus.CmdReadRegister, start, count)
}

// ReadTimers reads count timer values starting at start.
func (s *Session) ReadTimers(ctx context.Context, start uint16, count int) ([]uint32, error) {
	return s.readWords(ctx, sbus.CmdReadTimer, start, count)
}

// ReadCounters reads count counter values starting at start.
func (s *Session) ReadCounters(ctx context.Context, start uint16, count int) ([]uint32, error) {
	return s.readWords(ctx, sbus.CmdReadCounter, start, count)
}

// WriteRegister writes one register.
func (s *Session) WriteRegister(ctx context.Context, address uint16, value uint32) error {
	return s.writeWord(ctx, sbus.CmdWriteRegister, address, value)
}

// WriteTimer writes one timer value.
func (s *Session) WriteTimer(ctx context.Context, address uint16, value uint32) error {
	return s.writeWord(ctx, sbus.CmdWriteTimer, address, value)
}

// WriteCounter writes one counter value.
func (s *Session) WriteCounter(ctx context.Context, address uint16, value uint32) error {
	return s.writeWord(ctx, sbus.CmdWriteCounter, address, value)
}

// ReadFlags reads count flags starting at start. Flags arrive bit-packed,
// LSB first within each byte.
func (s *Session) ReadFlags(ctx context.Context, start uint16, count int) ([]bool, error) {
	if err := validateBatch(start, count); err != nil {
		return nil, err
	}
	if err := s.validateReadable(); err != nil {
		return nil, err
	}

	payload := requestHeader(start, uint16(count))
	responseLen := (count + 7) / 8
	resp, err := s.execute(ctx, sbus.CmdReadFlag, payload, responseLen)
	if err != nil {
		return nil, err
	}
	if !resp.IsResponse() || len(resp.Payload) != responseLen {
		return nil, responseShapeError(resp, responseLen)
	}

	flags := make([]bool, count)
	for i := range flags {
		flags[i] = resp.Payload[i/8]&(1<<(i%8)) != 0
	}
	return flags, nil
}

// WriteFlag writes one flag.
func (s *Session) WriteFlag(ctx context.Context, address uint16, value bool) error {
	if address > sbus.MaxAddress {
		return fmt.Errorf("%w: flag address %d out of range (0-%d)", sbus.ErrInvalidArgument, address, sbus.MaxAddress)
	}
	v := byte(0)
	if value {
		v = 1
	}
	payload := append(binary.BigEndian.AppendUint16(make([]byte, 0, 3), address), v)
	resp, err := s.execute(ctx, sbus.CmdWriteFlag, payload, 0)
	if err != nil {
		return err
	}
	return expectAck(resp)
}

// ReadBlock reads count bytes of data block number block starting at
// offset start.
func (s *Session) ReadBlock(ctx context.Context, block, start uint16, count int) ([]byte, error) {
	if count < 1 || count > MaxBlockBytes {
		return nil, fmt.Errorf("%w: block read of %d bytes (1-%d)", sbus.ErrInvalidArgument, count, MaxBlockBytes)
	}
	if err := s.validateReadable(); err != nil {
		return nil, err
	}

	payload := make([]byte, 0, 6)
	payload = binary.BigEndian.AppendUint16(payload, block)
	payload = binary.BigEndian.AppendUint16(payload, start)
	payload = binary.BigEndian.AppendUint16(payload, uint16(count))

	resp, err := s.execute(ctx, sbus.CmdReadBlock, payload, count)
	if err != nil {
		return nil, err
	}
	if !resp.IsResponse() || len(resp.Payload) != count {
		return nil, responseShapeError(resp, count)
	}
	return append([]byte(nil), resp.Payload...), nil
}

// WriteBlock writes data into data block number block starting at offset
// start.
func (s *Session) WriteBlock(ctx context.Context, block, start uint16, data []byte) error {
	if len(data) < 1 || len(data) > MaxBlockBytes {
		return fmt.Errorf("%w: block write of %d bytes (1-%d)", sbus.ErrInvalidArgument, len(data), MaxBlockBytes)
	}

	payload := make([]byte, 0, 4+len(data))
	payload = binary.BigEndian.AppendUint16(payload, block)
	payload = binary.BigEndian.AppendUint16(payload, start)
	payload = append(payload, data...)

	resp, err := s.execute(ctx, sbus.CmdWriteBlock, payload, 0)
	if err != nil {
		return err
	}
	return expectAck(resp)
}

// readWords is the shared implementation for register, timer and counter
// batch reads.
func (s *Session) readWords(ctx context.Context, command byte, start uint16, count int) ([]uint32, error) {
	if err := validateBatch(start, count); err != nil {
		return nil, err
	}
	if err := s.validateReadable(); err != nil {
		return nil, err
	}

	payload := requestHeader(start, uint16(count))
	responseLen := count * 4
	resp, err := s.execute(ctx, command, payload, responseLen)
	if err != nil {
		return nil, err
	}
	if !resp.IsResponse() || len(resp.Payload) != responseLen {
		return nil, responseShapeError(resp, responseLen)
	}

	values := make([]uint32, count)
	for i := range values {
		values[i] = binary.BigEndian.Uint32(resp.Payload[i*4 : i*4+4])
	}
	return values, nil
}

// writeWord is the shared implementation for register, timer and counter
// writes.
func (s *Session) writeWord(ctx context.Context, command byte, address uint16, value uint32) error {
	if address > sbus.MaxAddress {
		return fmt.Errorf("%w: address %d out of range (0-%d)", sbus.ErrInvalidArgument, address, sbus.MaxAddress)
	}

	payload := make([]byte, 0, 6)
	payload = binary.BigEndian.AppendUint16(payload, address)
	payload = binary.BigEndian.AppendUint32(payload, value)

	resp, err := s.execute(ctx, command, payload, 0)
	if err != nil {
		return err
	}
	return expectAck(resp)
}

// validateReadable rejects reads on the broadcast address: a broadcast
// never produces a response.
func (s *Session) validateReadable() error {
	if s.cfg.Station == sbus.BroadcastStation {
		return fmt.Errorf("%w: cannot read from broadcast station", sbus.ErrInvalidArgument)
	}
	return nil
}

func validateBatch(start uint16, count int) error {
	if count < 1 || count > sbus.MaxBatch {
		return fmt.Errorf("%w: count %d out of range (1-%d)", sbus.ErrInvalidArgument, count, sbus.MaxBatch)
	}
	if int(start)+count-1 > sbus.MaxAddress {
		return fmt.Errorf("%w: address %d out of range (0-%d)", sbus.ErrInvalidArgument, int(start)+count-1, sbus.MaxAddress)
	}
	return nil
}

// requestHeader packs the start address and element count of a batch
// read, both 16-bit big-endian.
func requestHeader(start, count uint16) []byte {
	payload := make([]byte, 0, 4)
	payload = binary.BigEndian.AppendUint16(payload, start)
	return binary.BigEndian.AppendUint16(payload, count)
}

// expectAck accepts the acknowledge for a write. A nil telegram means the
// write was a broadcast with no response due.
func expectAck(resp *sbus.Telegram) error {
	if resp == nil || resp.IsAck() {
		return nil
	}
	return &sbus.FormatError{Reason: fmt.Sprintf("expected acknowledge, got attribute 0x%02X", resp.Attribute)}
}

func responseShapeError(resp *sbus.Telegram, want int) error {
	if resp == nil {
		return &sbus.FormatError{Reason: "no response telegram"}
	}
	return &sbus.FormatError{
		Reason: fmt.Sprintf("response payload of %d bytes, expected %d", len(resp.Payload), want),
	}
}
