package crc

import "testing"

// bitwise is the direct bit-shift reference implementation used to validate
// the lookup table.
func bitwise(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc ^= uint16(b) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ Poly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func TestChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{
			name: "XModem Reference Vector",
			data: []byte("123456789"),
			want: 0x31C3,
		},
		{
			name: "Single Zero Byte",
			data: []byte{0x00},
			want: 0x0000,
		},
		{
			name: "Empty Data",
			data: []byte{},
			want: 0x0000,
		},
		{
			name: "Read Register Request Body",
			data: []byte{0x00, 0x0A, 0x00, 0x06, 0x00, 0x64, 0x04},
			want: bitwise(Init, []byte{0x00, 0x0A, 0x00, 0x06, 0x00, 0x64, 0x04}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Checksum(tt.data); got != tt.want {
				t.Errorf("Checksum() = %04X, want %04X", got, tt.want)
			}
		})
	}
}

func TestTableMatchesBitwise(t *testing.T) {
	// Every byte value through both implementations, chained.
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}
	for _, init := range []uint16{0x0000, 0xFFFF} {
		got := Update(init, data)
		want := bitwise(init, data)
		if got != want {
			t.Errorf("Update(%04X) = %04X, bitwise = %04X", init, got, want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	frames := [][]byte{
		{0x01},
		{0x00, 0x0A, 0x00, 0x06},
		{0xB5, 0xC5, 0xB5, 0xC5, 0x00, 0xFF},
	}
	for _, frame := range frames {
		sum := Checksum(frame)
		full := append(append([]byte{}, frame...), byte(sum>>8), byte(sum))
		if Checksum(full) != 0 {
			t.Errorf("appending CRC of % X does not verify to zero", frame)
		}
	}
}

func TestSingleBitCorruption(t *testing.T) {
	frame := []byte{0x00, 0x0A, 0x01, 0x06, 0x00, 0x64, 0x04}
	sum := Checksum(frame)
	full := append(append([]byte{}, frame...), byte(sum>>8), byte(sum))

	for i := range full {
		for bit := 0; bit < 8; bit++ {
			corrupted := append([]byte{}, full...)
			corrupted[i] ^= 1 << bit
			if Checksum(corrupted) == 0 {
				t.Errorf("bit %d of byte %d flipped but frame still verifies", bit, i)
			}
		}
	}
}
