package wl

import (
	"fmt"

	"github.com/asig/flashwl/internal/blockdev"
)

// CalcAddr maps a logical byte address within the usable flash region
// (relative to g.StartAddr) to its current physical byte address,
// combining the rotating dummy page with the optional Feistel
// randomization.
func CalcAddr(g Geometry, state State, feistel *Feistel, addr uint64) uint64 {
	pageSize := uint64(g.PageSize)

	intermediate := addr
	if feistel != nil {
		sector := uint32(addr / uint64(g.SectorSize))
		intermediate = uint64(feistel.Map(sector)) * uint64(g.SectorSize)
	}

	result := (g.FlashSize - uint64(state.MoveCount)*pageSize + intermediate) % g.FlashSize
	dummyAddr := uint64(state.Pos) * pageSize

	if result >= dummyAddr {
		result += pageSize
	}
	return result
}

// RotationResult reports what UpdateWL did so the caller (Engine) can
// persist the right things: the position-update slot always, and — only
// when Wrapped — a full state and erase-count ledger rewrite.
type RotationResult struct {
	Rotated bool
	Wrapped bool
	Slot    []byte
	SlotPos uint32
}

// UpdateWL advances the wear-levelling schedule by one access: once every
// MaxCount accesses it copies the page adjacent to the dummy into the
// dummy's place and logs the move. destSector is the logical sector the
// caller is about to touch; in advanced mode its current physical sector
// is recorded into the position-update slot, which the erase-count ledger
// tallies. On any I/O failure it rewinds
// access_count so the same rotation retries on the next access.
func UpdateWL(dev blockdev.Device, g Geometry, feistel *Feistel, s *State, destSector uint32) (RotationResult, error) {
	s.AccessCount++
	if s.AccessCount < s.MaxCount {
		return RotationResult{}, nil
	}
	s.AccessCount = 0

	pageSize := uint64(g.PageSize)

	dataPos := s.Pos + 1
	if dataPos >= s.MaxPos {
		dataPos = 0
	}
	dataAddr := uint64(g.StartAddr) + uint64(dataPos)*pageSize
	dummyAddr := uint64(g.StartAddr) + uint64(s.Pos)*pageSize

	rollback := func(err error) (RotationResult, error) {
		if s.MaxCount > 0 {
			s.AccessCount = s.MaxCount - 1
		}
		return RotationResult{}, err
	}

	if err := dev.EraseRange(dummyAddr, pageSize); err != nil {
		return rollback(fmt.Errorf("wl: erase dummy page: %w", err))
	}

	tempBuf := make([]byte, g.TempBuffSize)
	copyCount := pageSize / uint64(g.TempBuffSize)
	for i := uint64(0); i < copyCount; i++ {
		off := i * uint64(g.TempBuffSize)
		if err := dev.Read(dataAddr+off, tempBuf); err != nil {
			return rollback(fmt.Errorf("wl: read page during rotation: %w", err))
		}
		if err := dev.Write(dummyAddr+off, tempBuf); err != nil {
			return rollback(fmt.Errorf("wl: write dummy page: %w", err))
		}
	}

	physicalSector := uint32(CalcAddr(g, *s, feistel, uint64(destSector)*uint64(g.SectorSize)) / uint64(g.SectorSize))

	var slot []byte
	if s.Advanced() {
		slot = EncodeAdvancedSlot(s.DeviceID, s.Pos, physicalSector)
	} else {
		slot = EncodeBaseSlot(s.DeviceID, s.Pos)
	}
	slotPos := s.Pos

	s.Pos++
	wrapped := false
	if s.Pos >= s.MaxPos {
		s.Pos = 0
		s.MoveCount++
		if s.MoveCount >= s.MaxPos-1 {
			s.MoveCount = 0
			s.CycleCount++
		}
		wrapped = true
	}

	return RotationResult{Rotated: true, Wrapped: wrapped, Slot: slot, SlotPos: slotPos}, nil
}
