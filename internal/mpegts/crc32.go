package mpegts

import "errors"

var errCRC = errors.New("CRC32 mismatch")

// MPEG-2 CRC32, polynomial 0x04C11DB7, no reflection.
var crcTable = func() (t [256]uint32) {
	for i := range t {
		crc := uint32(i) << 24
		for range 8 {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

// CRC32 computes the MPEG-2 section CRC of data.
func CRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

// checkCRC verifies a section whose last four bytes are its CRC.
func checkCRC(section []byte) error {
	if len(section) < 4 || CRC32(section) != 0 {
		return errCRC
	}
	return nil
}
