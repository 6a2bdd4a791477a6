// Package sbus implements the SAIA S-Bus telegram codec: building and
// parsing telegrams, CRC validation, and the byte-stuffing applied on the
// serial transport. The package is pure; all I/O lives in pkg/transport.
package sbus

// Telegram attributes.
const (
	AttrRequest  = 0x00
	AttrResponse = 0x01
	AttrAck      = 0x02
)

// S-Bus command opcodes.
const (
	CmdReadCounter   = 0x00
	CmdReadFlag      = 0x02
	CmdReadInput     = 0x03
	CmdReadRTC       = 0x04
	CmdReadOutput    = 0x05
	CmdReadRegister  = 0x06
	CmdReadTimer     = 0x07
	CmdWriteCounter  = 0x0A
	CmdWriteFlag     = 0x0B
	CmdWriteRTC      = 0x0C
	CmdWriteOutput   = 0x0D
	CmdWriteRegister = 0x0E
	CmdWriteTimer    = 0x0F
	CmdReadBlock     = 0x96
	CmdWriteBlock    = 0x97
)

// Serial framing bytes.
const (
	FrameSync  = 0xB5
	EscapeChar = 0xC5
)

// Station addressing.
const (
	MaxStation       = 253
	BroadcastStation = 255
)

// Ether-S-Bus frame header: length u32, version u8, type u8, sequence u16.
const (
	EtherHeaderLen = 8
	EtherVersion   = 0x01
	EtherTypeData  = 0x00
)

// Protocol limits.
const (
	MaxAddress    = 9999
	MaxBatch      = 32
	DefaultPort   = 5050
	minFrameLen   = 5 // attribute + station + command + CRC
	maxPayloadLen = 255
)

// System registers used for device identification.
const (
	SysRegSerialStart  = 600
	SysRegSerialEnd    = 604
	SysRegProductStart = 605
	SysRegProductEnd   = 611
	SysRegHWVersion    = 612
	SysRegFirmware     = 614
	SysRegProtocol     = 621
)

// Telegram is one logical S-Bus message. It is built once and never
// mutated; received telegrams are only constructed by the codec after CRC
// verification succeeded.
type Telegram struct {
	Attribute byte
	Station   byte
	Command   byte
	Payload   []byte
}

// IsAck reports whether the telegram is an acknowledge.
func (t *Telegram) IsAck() bool {
	return t.Attribute == AttrAck
}

// IsResponse reports whether the telegram carries response data.
func (t *Telegram) IsResponse() bool {
	return t.Attribute == AttrResponse
}
