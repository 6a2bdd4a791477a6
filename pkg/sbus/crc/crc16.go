// Package crc implements the CRC-16-CCITT checksum used by S-Bus telegrams
// (polynomial 0x1021, initial value 0x0000, no reflection, appended
// big-endian on the wire).
package crc

// Poly is the CRC-16-CCITT generator polynomial.
const Poly = 0x1021

// Init is the initial value used by current controller firmware. Older
// firmware generations use 0xFFFF; callers integrating with those pass the
// value explicitly to Update.
const Init = 0x0000

var table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		c := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if c&0x8000 != 0 {
				c = c<<1 ^ Poly
			} else {
				c <<= 1
			}
		}
		table[i] = c
	}
}

// Checksum returns the CRC of data with the default initial value.
func Checksum(data []byte) uint16 {
	return Update(Init, data)
}

// Update extends crc with the bytes in data using the lookup table.
func Update(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc = crc<<8 ^ table[byte(crc>>8)^b]
	}
	return crc
}
