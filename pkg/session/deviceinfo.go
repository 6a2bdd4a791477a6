package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/commatea/SBus-Link/pkg/sbus"
)

// System register map for device identification.
const (
	regSerialNumber    = 600 // R600-R604, ASCII packed 4 chars per register
	regProductType     = 605 // R605-R611, ASCII packed
	regHardwareVersion = 612
	regFirmwareVersion = 614 // packed major.minor.patch
	regProtocolVersion = 621
)

// DeviceInfo identifies the controller behind a session.
type DeviceInfo struct {
	SerialNumber    string `json:"serial_number"`
	ProductType     string `json:"product_type"`
	HardwareVersion string `json:"hardware_version"`
	FirmwareVersion string `json:"firmware_version"`
	FirmwareRaw     uint32 `json:"firmware_raw"`
	ProtocolVersion uint32 `json:"protocol_version"`
}

// DeviceInfo queries the controller's identification registers. Each
// failed register block is reported with its base register so the caller
// can tell unsupported firmware from a dead link.
func (s *Session) DeviceInfo(ctx context.Context) (*DeviceInfo, error) {
	info := &DeviceInfo{}

	serial, err := s.ReadRegisters(ctx, regSerialNumber, 5)
	if err != nil {
		return nil, &sbus.DeviceInfoError{Register: regSerialNumber, Err: err}
	}
	info.SerialNumber = decodeASCII(serial)

	product, err := s.ReadRegisters(ctx, regProductType, 7)
	if err != nil {
		return nil, &sbus.DeviceInfoError{Register: regProductType, Err: err}
	}
	info.ProductType = decodeASCII(product)

	hw, err := s.ReadRegisters(ctx, regHardwareVersion, 1)
	if err != nil {
		return nil, &sbus.DeviceInfoError{Register: regHardwareVersion, Err: err}
	}
	info.HardwareVersion = decodeASCII(hw)

	fw, err := s.ReadRegisters(ctx, regFirmwareVersion, 1)
	if err != nil {
		return nil, &sbus.DeviceInfoError{Register: regFirmwareVersion, Err: err}
	}
	info.FirmwareRaw = fw[0]
	info.FirmwareVersion = formatFirmware(fw[0])

	proto, err := s.ReadRegisters(ctx, regProtocolVersion, 1)
	if err != nil {
		return nil, &sbus.DeviceInfoError{Register: regProtocolVersion, Err: err}
	}
	info.ProtocolVersion = proto[0]

	return info, nil
}

// decodeASCII unpacks big-endian register values into a printable string,
// dropping padding NUL and space bytes from the edges.
func decodeASCII(values []uint32) string {
	raw := make([]byte, 0, len(values)*4)
	for _, v := range values {
		raw = binary.BigEndian.AppendUint32(raw, v)
	}
	cleaned := make([]byte, 0, len(raw))
	for _, c := range raw {
		if c >= 0x20 && c < 0x7F {
			cleaned = append(cleaned, c)
		}
	}
	return strings.TrimSpace(string(cleaned))
}

func formatFirmware(v uint32) string {
	return fmt.Sprintf("%d.%d.%d", (v>>16)&0xFF, (v>>8)&0xFF, v&0xFF)
}
