package wl

import "fmt"

// Feistel is the optional address randomizer layered on top of the
// rotation scheme. It splits a sector index into a most- and
// least-significant half and runs them through 3 rounds of an unbalanced
// Feistel network, cycle-walking back through the network whenever a
// round lands outside the valid sector range.
//
// The bit split is asymmetric when the bit width is odd: lsbWidth gets the
// extra bit. This handles odd bit widths without
// wasting a bit, so the same split is used for both rotation modes.
type Feistel struct {
	keys        [3]uint8
	bitWidth    uint8
	msbWidth    uint8
	lsbWidth    uint8
	sectorCount uint32

	Calls       uint64
	CycleWalks  uint64
}

// NewFeistel derives the bit split from sectorCount and seeds the 3 round
// keys from a caller-supplied source so callers (the engine, picking keys
// once at format time, and the simulator, picking them once per run) share
// one derivation. A partition needing more than 16 bits to index its
// sectors is rejected: the 3 round keys are only 8 bits wide each, and the
// mapping's cycle-walking cost grows with the gap between 2^bitWidth and
// sectorCount, so bitWidth is capped the same way the keys are.
func NewFeistel(sectorCount uint32, keys [3]uint8) (*Feistel, error) {
	f := &Feistel{keys: keys, sectorCount: sectorCount}
	// bitWidth = ceil(log2(sectorCount)): the bit length of the largest
	// sector index.
	n := uint32(0)
	if sectorCount > 0 {
		n = sectorCount - 1
	}
	for ; n != 0; f.bitWidth++ {
		n >>= 1
	}
	if f.bitWidth > 16 {
		return nil, fmt.Errorf("%w: sector count %d needs %d bits, max 16", ErrNotSupported, sectorCount, f.bitWidth)
	}
	f.lsbWidth = (f.bitWidth + 1) / 2
	f.msbWidth = f.bitWidth - f.lsbWidth
	return f, nil
}

func (f *Feistel) Keys() [3]uint8 { return f.keys }

func feistelRound(msb uint32, key uint8) uint32 {
	x := msb ^ uint32(key)
	return x * x
}

// Map applies the network to a sector index, cycle-walking until the
// result lands back in [0, sectorCount). The range loss from rounding
// bitWidth is at most one bit, so a handful of iterations always suffices.
func (f *Feistel) Map(sector uint32) uint32 {
	f.Calls++
	lsbMask := (uint32(1) << f.lsbWidth) - 1

	s := sector
	for {
		for i := 0; i < 3; i++ {
			msb := s >> f.lsbWidth
			lsb := s & lsbMask
			newLsb := lsb ^ (feistelRound(msb, f.keys[i]) & lsbMask)
			s = (newLsb << f.msbWidth) | msb
		}
		if s < f.sectorCount {
			return s
		}
		f.CycleWalks++
	}
}
