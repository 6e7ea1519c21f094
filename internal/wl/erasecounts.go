package wl

import (
	"fmt"

	"github.com/asig/flashwl/internal/blockdev"
	"github.com/asig/flashwl/internal/util"
)

// Offsets within one erase-count ledger record: three (sector, count)
// uint16 pairs followed by a uint32 CRC.
const (
	ofsPairSector0 = 0
	ofsPairCount0  = 2
	ofsPairSector1 = 4
	ofsPairCount1  = 6
	ofsPairSector2 = 8
	ofsPairCount2  = 10
	ofsRecordCrc   = 12
)

// EraseCounts is the in-memory per-physical-sector erase tally, indexed by
// physical sector number. It only ever exists in advanced mode.
type EraseCounts struct {
	counts []uint16
}

func NewEraseCounts(sectorCount uint32) *EraseCounts {
	return &EraseCounts{counts: make([]uint16, sectorCount)}
}

func (e *EraseCounts) Get(sector uint32) uint16 { return e.counts[sector] }
func (e *EraseCounts) Increment(sector uint32)  { e.counts[sector]++ }
func (e *EraseCounts) Len() int                 { return len(e.counts) }

func encodeRecord(pairs [3][2]uint32) []byte {
	b := make([]byte, eraseCountRecordSize)
	util.WriteLEUint16(b, ofsPairSector0, uint16(pairs[0][0]))
	util.WriteLEUint16(b, ofsPairCount0, uint16(pairs[0][1]))
	util.WriteLEUint16(b, ofsPairSector1, uint16(pairs[1][0]))
	util.WriteLEUint16(b, ofsPairCount1, uint16(pairs[1][1]))
	util.WriteLEUint16(b, ofsPairSector2, uint16(pairs[2][0]))
	util.WriteLEUint16(b, ofsPairCount2, uint16(pairs[2][1]))
	util.WriteLEUint32(b, ofsRecordCrc, crc32LE(b[:ofsRecordCrc]))
	return b
}

func decodeRecord(b []byte) (pairs [3][2]uint32, crc uint32) {
	pairs[0] = [2]uint32{uint32(util.ReadLEUint16(b, ofsPairSector0)), uint32(util.ReadLEUint16(b, ofsPairCount0))}
	pairs[1] = [2]uint32{uint32(util.ReadLEUint16(b, ofsPairSector1)), uint32(util.ReadLEUint16(b, ofsPairCount1))}
	pairs[2] = [2]uint32{uint32(util.ReadLEUint16(b, ofsPairSector2)), uint32(util.ReadLEUint16(b, ofsPairCount2))}
	crc = util.ReadLEUint32(b, ofsRecordCrc)
	return
}

// recordCount returns the number of 16-byte triplet records needed for
// sectorCount sectors at three pairs per record. Resolve sizes the region
// from a provisional sector count that is never smaller than this one.
func recordCount(sectorCount uint32) uint32 {
	return uint32(ceilDiv(uint64(sectorCount), 3))
}

// WriteEraseCounts serializes non-zero entries of e as (sector, count)
// triplets and writes them to the ledger copy at addr, erasing the region
// first. A partial final triplet is zero-padded and written too. Each of
// the two ledger copies is written by its own call, at its own addr.
func WriteEraseCounts(dev blockdev.Device, addr uint64, regionSize uint32, e *EraseCounts) error {
	if err := dev.EraseRange(addr, uint64(regionSize)); err != nil {
		return fmt.Errorf("wl: erase erase-count region: %w", err)
	}

	var pairs [3][2]uint32
	pairIndex := 0
	recordIndex := uint32(0)

	flush := func() error {
		if pairIndex == 0 {
			return nil
		}
		rec := encodeRecord(pairs)
		if err := dev.Write(addr+uint64(recordIndex)*eraseCountRecordSize, rec); err != nil {
			return fmt.Errorf("wl: write erase-count record: %w", err)
		}
		recordIndex++
		pairIndex = 0
		pairs = [3][2]uint32{}
		return nil
	}

	for sector, count := range e.counts {
		if count == 0 {
			continue
		}
		pairs[pairIndex] = [2]uint32{uint32(sector), uint32(count)}
		pairIndex++
		if pairIndex >= 3 {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// ReadEraseCounts reconstructs the erase-count buffer from a ledger copy,
// falling back to the other copy record-by-record when a CRC check fails.
// moveCount and cycleCount both zero means the ledger has never been
// written, so the buffer stays all-zero. A record that fails CRC in both
// copies marks the end of the valid, written portion of a sparse ledger
// rather than corruption, so the walk stops there and returns what it has
// gathered so far.
func ReadEraseCounts(dev blockdev.Device, addr1, addr2 uint64, sectorCount, moveCount, cycleCount uint32) (*EraseCounts, error) {
	e := NewEraseCounts(sectorCount)
	if moveCount == 0 && cycleCount == 0 {
		return e, nil
	}

	n := recordCount(sectorCount)
	buf := make([]byte, eraseCountRecordSize)
	for i := uint32(0); i < n; i++ {
		off := uint64(i) * eraseCountRecordSize
		if err := dev.Read(addr1+off, buf); err != nil {
			return nil, fmt.Errorf("wl: read erase counts: %w", err)
		}
		pairs, crc := decodeRecord(buf)
		if crc != crc32LE(buf[:ofsRecordCrc]) {
			if err := dev.Read(addr2+off, buf); err != nil {
				return nil, fmt.Errorf("wl: read erase counts: %w", err)
			}
			pairs, crc = decodeRecord(buf)
			if crc != crc32LE(buf[:ofsRecordCrc]) {
				break
			}
		}
		for _, p := range pairs {
			if p[1] != 0 && p[0] < uint32(len(e.counts)) {
				e.counts[p[0]] = uint16(p[1])
			}
		}
	}
	return e, nil
}

// UpdateEraseCounts tallies the position-update log of state copy 1 into e,
// incrementing the destination sector recorded by each valid slot until the
// first unset one.
func UpdateEraseCounts(dev blockdev.Device, addrState1 uint64, wrSize uint32, maxPos, deviceID uint32, e *EraseCounts) error {
	buf := make([]byte, wrSize)
	for i := uint32(0); i < maxPos; i++ {
		off := uint64(stateHeaderSize) + uint64(i)*uint64(wrSize)
		if err := dev.Read(addrState1+off, buf); err != nil {
			return fmt.Errorf("wl: read position-update slot: %w", err)
		}
		sector, ok := AdvancedSlotSet(buf, deviceID, i)
		if !ok {
			break
		}
		if int(sector) < len(e.counts) {
			e.counts[sector]++
		}
	}
	return nil
}
