package wl

// stateHeaderSize is sizeof(state): 16 little-endian uint32 words (8 named
// fields + 7 reserved + crc in base mode; in advanced mode 2 of the
// reserved words are reassigned to cycle_count/feistel_keys, so the record
// stays the same total size).
const stateHeaderSize = 16 * 4

// StateHeaderSize is stateHeaderSize, exported for callers outside the
// package (the monitor) that need to locate the position-update log
// following a state record without duplicating the constant.
const StateHeaderSize = stateHeaderSize

// eraseCountRecordSize is sizeof(wl_erase_count_t): three (sector,count)
// uint16 pairs plus a trailing uint32 CRC.
const eraseCountRecordSize = 3*4 + 4

// Geometry is the fully-resolved on-flash layout for a given Config,
// computed once by Resolve and then used by every other component.
type Geometry struct {
	Advanced bool

	// Copied straight from Config so the rest of the package can take a
	// Geometry alone without also threading the Config through every call.
	StartAddr  uint32
	SectorSize uint32
	PageSize   uint32
	WrSize     uint32
	TempBuffSize uint32
	DeviceVersion uint32

	StateSize uint32
	CfgSize   uint32

	AddrState1 uint64
	AddrState2 uint64
	AddrCfg    uint64

	EraseCountRecordsSize uint32 // size of one copy of the erase-count log, advanced only
	AddrEraseCounts1      uint64
	AddrEraseCounts2      uint64

	FlashSize    uint64 // usable, rotatable bytes after all reservations
	MaxPos       uint32
	SectorCount  uint32 // addressable sectors = MaxPos - 1
	MaxCount     uint32 // erase accesses between rotations; see Resolve for the updaterate==0 quirk
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

func ceilAlign(a, b uint64) uint64 {
	return ceilDiv(a, b) * b
}

// Resolve derives every on-flash region from a validated Config. It is
// pure; the only failure mode is the config's own invariants, which it
// checks first via Config.Validate.
func Resolve(cfg Config, advanced bool) (Geometry, error) {
	if err := cfg.Validate(); err != nil {
		return Geometry{}, err
	}

	S := uint64(cfg.SectorSize)
	M := uint64(cfg.FullMemSize)
	W := uint64(cfg.WrSize)
	P := uint64(cfg.PageSize)

	stateSize := ceilAlign(uint64(stateHeaderSize)+(M/S)*W, S)
	cfgSize := ceilAlign(configSize, S)

	addrState2 := uint64(cfg.StartAddr) + M - stateSize - cfgSize
	addrState1 := addrState2 - stateSize

	baseFlashSize := addrState1 - uint64(cfg.StartAddr)

	g := Geometry{
		Advanced:      advanced,
		StartAddr:     cfg.StartAddr,
		SectorSize:    cfg.SectorSize,
		PageSize:      cfg.PageSize,
		WrSize:        cfg.WrSize,
		TempBuffSize:  cfg.TempBuffSize,
		DeviceVersion: cfg.Version,
		StateSize:     uint32(stateSize),
		CfgSize:       uint32(cfgSize),
		AddrState1:    addrState1,
		AddrState2:    addrState2,
		AddrCfg:       addrState2 + stateSize,
	}

	// One page is always held back from the naive byte count: the base
	// layer reserves it so the dummy page never needs special-casing at
	// the top of the rotation range.
	flashSize := (baseFlashSize/P - 1) * P

	if advanced {
		// Sized against a provisional sector count that itself reserves two
		// sectors for bookkeeping headroom, then rounded up to whole
		// sectors for both ledger copies.
		flashSizeEraseCounts := flashSize - 2*S
		sectorCountForRecords := flashSizeEraseCounts / S
		recordsBytes := ceilDiv(sectorCountForRecords, 3) * eraseCountRecordSize
		eraseCountRegionSize := ceilAlign(recordsBytes, S)

		g.EraseCountRecordsSize = uint32(eraseCountRegionSize)
		g.AddrEraseCounts1 = addrState1 - 2*eraseCountRegionSize
		g.AddrEraseCounts2 = addrState1 - eraseCountRegionSize

		flashSize -= 2 * eraseCountRegionSize
	}

	g.FlashSize = flashSize
	g.MaxPos = uint32(1 + flashSize/P)
	g.SectorCount = g.MaxPos - 1

	// The fallback expression only has any effect (yielding 0) when
	// Updaterate itself is 0; a non-zero Updaterate always wins below
	// (see DESIGN.md for the Updaterate==0 decision).
	g.MaxCount = uint32(flashSize / stateSize * uint64(cfg.Updaterate))
	if cfg.Updaterate != 0 {
		g.MaxCount = cfg.Updaterate
	}

	return g, nil
}
