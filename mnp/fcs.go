package mnp

// fcsPoly is the reflected CRC-16 polynomial (x^16 + x^15 + x^2 + 1)
const fcsPoly = 0xA001

// FCS is a running CRC-16/ARC frame check sequence.
// The zero value is ready to use.
type FCS struct {
	crc uint16
}

// UpdateByte folds one octet into the checksum, least significant bit first.
func (f *FCS) UpdateByte(b byte) {
	crc := f.crc ^ uint16(b)
	for i := 0; i < 8; i++ {
		if crc&1 != 0 {
			crc = (crc >> 1) ^ fcsPoly
		} else {
			crc >>= 1
		}
	}
	f.crc = crc
}

// Update folds every octet of p into the checksum.
func (f *FCS) Update(p []byte) {
	for _, b := range p {
		f.UpdateByte(b)
	}
}

// Write implements io.Writer. It never fails.
func (f *FCS) Write(p []byte) (int, error) {
	f.Update(p)
	return len(p), nil
}

// Sum16 returns the current checksum.
func (f *FCS) Sum16() uint16 {
	return f.crc
}

// Reset zeroes the checksum.
func (f *FCS) Reset() {
	f.crc = 0
}

// Checksum returns the FCS of p.
func Checksum(p []byte) uint16 {
	var f FCS
	f.Update(p)
	return f.Sum16()
}
