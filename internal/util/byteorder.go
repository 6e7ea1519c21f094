// Package util holds small byte-level helpers shared by the on-flash
// record codecs. Every on-flash structure in this module is laid out
// little-endian and packed in declared field order, so the codecs read
// and write through these functions rather than through reflection.
package util

import "bytes"

func WriteLEUint16(b []byte, offset int, value uint16) {
	b[offset] = byte(value)
	b[offset+1] = byte(value >> 8)
}

func ReadLEUint16(b []byte, offset int) uint16 {
	return uint16(b[offset]) | uint16(b[offset+1])<<8
}

func WriteLEUint32(b []byte, offset int, value uint32) {
	b[offset] = byte(value)
	b[offset+1] = byte(value >> 8)
	b[offset+2] = byte(value >> 16)
	b[offset+3] = byte(value >> 24)
}

func ReadLEUint32(b []byte, offset int) uint32 {
	return uint32(b[offset]) | uint32(b[offset+1])<<8 | uint32(b[offset+2])<<16 | uint32(b[offset+3])<<24
}

func StringFromBytes(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}
