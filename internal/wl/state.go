package wl

import "github.com/asig/flashwl/internal/util"

// Offsets into the 64-byte state record. Base and advanced modes share the
// same slot; advanced reassigns the first two reserved words to
// cycle_count and feistel_keys.
const (
	ofsPos         = 0
	ofsMaxPos      = 4
	ofsMoveCount   = 8
	ofsAccessCount = 12
	ofsMaxCount    = 16
	ofsBlockSize   = 20
	ofsStateVersion = 24
	ofsDeviceID    = 28
	ofsReserved0   = 32 // cycle_count, advanced mode
	ofsReserved1   = 36 // feistel_keys, advanced mode
	ofsReserved2   = 40
	ofsStateCrc    = 60
)

// State is the in-memory form of the duplicated state record. Mode is
// detected, not stored separately: FeistelKeys != 0 means advanced.
type State struct {
	Pos         uint32
	MaxPos      uint32
	MoveCount   uint32
	AccessCount uint32
	MaxCount    uint32
	BlockSize   uint32
	Version     uint32
	DeviceID    uint32

	// Advanced-mode-only fields; zero in base mode.
	CycleCount  uint32
	FeistelKeys [3]uint8

	Crc uint32
}

// Advanced reports whether this record is in advanced mode.
func (s *State) Advanced() bool {
	return s.FeistelKeys != [3]uint8{}
}

func (s *State) Encode() []byte {
	b := make([]byte, stateHeaderSize)
	util.WriteLEUint32(b, ofsPos, s.Pos)
	util.WriteLEUint32(b, ofsMaxPos, s.MaxPos)
	util.WriteLEUint32(b, ofsMoveCount, s.MoveCount)
	util.WriteLEUint32(b, ofsAccessCount, s.AccessCount)
	util.WriteLEUint32(b, ofsMaxCount, s.MaxCount)
	util.WriteLEUint32(b, ofsBlockSize, s.BlockSize)
	util.WriteLEUint32(b, ofsStateVersion, s.Version)
	util.WriteLEUint32(b, ofsDeviceID, s.DeviceID)
	util.WriteLEUint32(b, ofsReserved0, s.CycleCount)
	feistelWord := uint32(s.FeistelKeys[0]) | uint32(s.FeistelKeys[1])<<8 | uint32(s.FeistelKeys[2])<<16
	util.WriteLEUint32(b, ofsReserved1, feistelWord)
	// remaining reserved words (ofsReserved2..ofsStateCrc) stay zero.
	util.WriteLEUint32(b, ofsStateCrc, s.Crc)
	return b
}

func DecodeState(b []byte) State {
	feistelWord := util.ReadLEUint32(b, ofsReserved1)
	return State{
		Pos:         util.ReadLEUint32(b, ofsPos),
		MaxPos:      util.ReadLEUint32(b, ofsMaxPos),
		MoveCount:   util.ReadLEUint32(b, ofsMoveCount),
		AccessCount: util.ReadLEUint32(b, ofsAccessCount),
		MaxCount:    util.ReadLEUint32(b, ofsMaxCount),
		BlockSize:   util.ReadLEUint32(b, ofsBlockSize),
		Version:     util.ReadLEUint32(b, ofsStateVersion),
		DeviceID:    util.ReadLEUint32(b, ofsDeviceID),
		CycleCount:  util.ReadLEUint32(b, ofsReserved0),
		FeistelKeys: [3]uint8{byte(feistelWord), byte(feistelWord >> 8), byte(feistelWord >> 16)},
		Crc:         util.ReadLEUint32(b, ofsStateCrc),
	}
}

func (s *State) computeCrc() uint32 {
	b := s.Encode()
	return crc32LE(b[:ofsStateCrc])
}

func (s *State) UpdateCrc() {
	s.Crc = s.computeCrc()
}

func (s *State) CheckCrc() error {
	if s.Crc != s.computeCrc() {
		return ErrInvalidCrc
	}
	return nil
}

// EstimatedTotalErases is the cheap closed-form erase-count estimate from
// pos/move_count/cycle_count alone, independent of the tallied erase-count
// buffer.
func (s *State) EstimatedTotalErases(updaterate uint32) uint64 {
	maxPos := uint64(s.MaxPos)
	ur := uint64(updaterate)
	eraseFromPos := uint64(s.Pos) * ur
	eraseFromMC := uint64(s.MoveCount)*maxPos*ur + eraseFromPos
	eraseFromCC := uint64(s.CycleCount)*maxPos*(maxPos-1)*ur + eraseFromMC
	return eraseFromCC
}
