package wl

import "hash/crc32"

// cfgCrcSeed is the compile-time seed used for every CRC-32 in this
// module: all-ones, passed as crc32.Update's starting crc. Update inverts
// that value on entry and the result on exit, so crc32LE does not equal
// crc32.ChecksumIEEE (which starts from 0).
const cfgCrcSeed = 0xFFFFFFFF

// crc32LE computes the little-endian CRC-32/IEEE of b, seeded with
// cfgCrcSeed. stdlib hash/crc32's Update takes an explicit starting crc,
// which is exactly what's needed here; no ecosystem library in the corpus
// does anything but wrap this same table, so the stdlib implementation is
// used directly (see DESIGN.md).
func crc32LE(b []byte) uint32 {
	return crc32.Update(cfgCrcSeed, crc32.IEEETable, b)
}
