package wl

import (
	"bytes"
	"testing"

	"github.com/asig/flashwl/internal/blockdev"
)

func s1Config() Config {
	return Config{
		FullMemSize:  0x100000,
		SectorSize:   0x1000,
		PageSize:     0x1000,
		WrSize:       0x10,
		Updaterate:   0x10,
		TempBuffSize: 0x1000,
		Version:      1,
	}
}

func newFreshEngine(t *testing.T, advanced bool) (*Engine, *blockdev.MemDevice) {
	t.Helper()
	cfg := s1Config()
	dev := blockdev.NewMemDevice(uint64(cfg.FullMemSize), cfg.SectorSize)
	e, err := Configure(dev, cfg, advanced)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := e.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return e, dev
}

func TestEngineOperationsBeforeInitFail(t *testing.T) {
	cfg := s1Config()
	dev := blockdev.NewMemDevice(uint64(cfg.FullMemSize), cfg.SectorSize)
	e, err := Configure(dev, cfg, false)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	buf := make([]byte, 16)
	if err := e.Read(0, buf); err != ErrInvalidState {
		t.Errorf("Read before Init = %v, want ErrInvalidState", err)
	}
	if err := e.Write(0, buf); err != ErrInvalidState {
		t.Errorf("Write before Init = %v, want ErrInvalidState", err)
	}
	if err := e.EraseSector(0); err != ErrInvalidState {
		t.Errorf("EraseSector before Init = %v, want ErrInvalidState", err)
	}
	if err := e.Flush(); err != ErrInvalidState {
		t.Errorf("Flush before Init = %v, want ErrInvalidState", err)
	}
}

// TestRotationS2 drives exactly updaterate erases of logical sector 5 from a
// fresh base-mode partition and checks the single expected rotation.
func TestRotationS2(t *testing.T) {
	e, dev := newFreshEngine(t, false)

	for i := uint32(0); i < e.g.MaxCount; i++ {
		if err := e.EraseSector(5); err != nil {
			t.Fatalf("EraseSector(5) #%d: %v", i, err)
		}
	}

	if e.state.Pos != 1 {
		t.Errorf("Pos = %d, want 1", e.state.Pos)
	}
	if e.state.MoveCount != 0 {
		t.Errorf("MoveCount = %d, want 0", e.state.MoveCount)
	}
	if e.state.AccessCount != 0 {
		t.Errorf("AccessCount = %d, want 0", e.state.AccessCount)
	}

	slotOff := uint64(stateHeaderSize)
	buf := make([]byte, e.g.WrSize)
	if err := dev.Read(e.g.AddrState1+slotOff, buf); err != nil {
		t.Fatalf("read slot 0 of state1: %v", err)
	}
	if !BaseSlotSet(buf, e.state.DeviceID, 0) {
		t.Error("slot 0 of state1 is not set after one rotation")
	}
	if err := dev.Read(e.g.AddrState2+slotOff, buf); err != nil {
		t.Fatalf("read slot 0 of state2: %v", err)
	}
	if !BaseSlotSet(buf, e.state.DeviceID, 0) {
		t.Error("slot 0 of state2 is not set after one rotation")
	}
}

func TestInvariantsHoldThroughManyRotations(t *testing.T) {
	e, _ := newFreshEngine(t, false)
	for i := uint32(0); i < e.g.MaxCount*uint32(e.g.MaxPos)*2; i++ {
		if err := e.EraseSector(uint64(i % uint32(e.g.SectorCount))); err != nil {
			t.Fatalf("EraseSector: %v", err)
		}
		if e.state.Pos >= e.state.MaxPos {
			t.Fatalf("invariant violated: Pos=%d >= MaxPos=%d", e.state.Pos, e.state.MaxPos)
		}
		if e.state.MoveCount >= e.state.MaxPos-1 {
			t.Fatalf("invariant violated: MoveCount=%d >= MaxPos-1=%d", e.state.MoveCount, e.state.MaxPos-1)
		}
		if e.state.AccessCount >= e.state.MaxCount {
			t.Fatalf("invariant violated: AccessCount=%d >= MaxCount=%d", e.state.AccessCount, e.state.MaxCount)
		}
	}
}

func TestDummySectorNeverAddressable(t *testing.T) {
	e, _ := newFreshEngine(t, false)
	dummyPhys := uint64(e.state.Pos) * uint64(e.g.PageSize)
	for sector := uint32(0); sector < e.g.SectorCount; sector++ {
		phys := CalcAddr(e.g, e.state, e.feistel, uint64(sector)*uint64(e.g.SectorSize))
		if phys == dummyPhys {
			t.Fatalf("logical sector %d maps to the dummy's physical address 0x%x", sector, dummyPhys)
		}
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	e, _ := newFreshEngine(t, false)
	want := bytes.Repeat([]byte{0xAB}, int(e.g.PageSize))
	if err := e.Write(0, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, e.g.PageSize)
	if err := e.Read(0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("round-trip: read bytes don't match written bytes")
	}
}

func TestFlushRotatesCurrentDummyOut(t *testing.T) {
	e, _ := newFreshEngine(t, false)
	before := e.state.Pos
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if e.state.Pos != before+1 {
		t.Errorf("Pos after Flush = %d, want %d", e.state.Pos, before+1)
	}
	if e.state.AccessCount != 0 {
		t.Errorf("AccessCount after Flush = %d, want 0", e.state.AccessCount)
	}
}

func TestFlushIdempotentModuloOneRotation(t *testing.T) {
	e, _ := newFreshEngine(t, false)
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush #1: %v", err)
	}
	posAfterFirst := e.state.Pos
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush #2: %v", err)
	}
	if e.state.Pos != posAfterFirst+1 {
		t.Errorf("Pos after second Flush = %d, want %d (one further rotation)", e.state.Pos, posAfterFirst+1)
	}
}

// TestRecoveryS4 corrupts state1's CRC, leaves state2 valid, and checks that
// Init rewrites state1 byte-equal to state2 and recovers the same pos.
func TestRecoveryS4(t *testing.T) {
	cfg := s1Config()
	dev := blockdev.NewMemDevice(uint64(cfg.FullMemSize), cfg.SectorSize)

	seed, err := Configure(dev, cfg, false)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := seed.Init(); err != nil {
		t.Fatalf("seed Init: %v", err)
	}
	// Drive a few rotations so state2 has a non-trivial pos to recover.
	for i := uint32(0); i < seed.g.MaxCount*3; i++ {
		if err := seed.EraseSector(1); err != nil {
			t.Fatalf("seed EraseSector: %v", err)
		}
	}

	g := seed.g
	buf2 := make([]byte, stateHeaderSize)
	if err := dev.Read(g.AddrState2, buf2); err != nil {
		t.Fatalf("read state2: %v", err)
	}
	// state2's header still holds the pos of its last full rewrite; the
	// rotations since then live only in its position-update log, which
	// recovery has to replay.
	header := DecodeState(buf2)
	want := seed.state.Pos
	if header.Pos == want {
		t.Fatalf("test setup: state2 header pos %d already equals the live pos; nothing to recover", want)
	}

	// Corrupt state1's CRC in place.
	buf1 := make([]byte, stateHeaderSize)
	if err := dev.Read(g.AddrState1, buf1); err != nil {
		t.Fatalf("read state1: %v", err)
	}
	s1 := DecodeState(buf1)
	s1.Crc ^= 0xFFFFFFFF
	if err := dev.Write(g.AddrState1, s1.Encode()); err != nil {
		t.Fatalf("corrupt state1: %v", err)
	}

	e2, err := Configure(dev, cfg, false)
	if err != nil {
		t.Fatalf("Configure (recovery): %v", err)
	}
	if err := e2.Init(); err != nil {
		t.Fatalf("recovery Init: %v", err)
	}
	if e2.state.Pos != want {
		t.Errorf("recovered Pos = %d, want %d", e2.state.Pos, want)
	}

	gotBuf1 := make([]byte, stateHeaderSize)
	if err := dev.Read(g.AddrState1, gotBuf1); err != nil {
		t.Fatalf("read rewritten state1: %v", err)
	}
	gotBuf2 := make([]byte, stateHeaderSize)
	if err := dev.Read(g.AddrState2, gotBuf2); err != nil {
		t.Fatalf("read state2: %v", err)
	}
	if !bytes.Equal(gotBuf1, gotBuf2) {
		t.Error("state1 was not rewritten byte-equal to state2 during recovery")
	}
}

// TestEraseCountAggregationS6 writes the four position-update slots that
// result from rotations touching physical sectors [1,1,2,1] (max_pos=4)
// directly, then checks that UpdateEraseCounts/WriteEraseCounts/
// ReadEraseCounts round-trip the aggregated ledger {1:3, 2:1}. This drives
// the ledger machinery in isolation from Feistel, whose random keys would
// otherwise scatter the destination sectors actually recorded.
func TestEraseCountAggregationS6(t *testing.T) {
	const maxPos = 4
	const deviceID = 0xCAFEBABE
	const wrSize = 16

	cfg := Config{
		FullMemSize:  0x9000,
		SectorSize:   0x1000,
		PageSize:     0x1000,
		WrSize:       wrSize,
		Updaterate:   0x4,
		TempBuffSize: 0x1000,
		Version:      1,
	}
	dev := blockdev.NewMemDevice(uint64(cfg.FullMemSize), cfg.SectorSize)
	g, err := Resolve(cfg, true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if g.MaxPos != maxPos {
		t.Fatalf("test setup: MaxPos = %d, want %d", g.MaxPos, maxPos)
	}

	physicalSectors := []uint32{1, 1, 2, 1}
	for i, sector := range physicalSectors {
		slot := EncodeAdvancedSlot(deviceID, uint32(i), sector)
		off := uint64(stateHeaderSize) + uint64(i)*wrSize
		if err := dev.Write(g.AddrState1+off, slot); err != nil {
			t.Fatalf("write slot %d: %v", i, err)
		}
	}

	counts := NewEraseCounts(g.SectorCount)
	if err := UpdateEraseCounts(dev, g.AddrState1, wrSize, maxPos, deviceID, counts); err != nil {
		t.Fatalf("UpdateEraseCounts: %v", err)
	}
	if got := counts.Get(1); got != 3 {
		t.Errorf("counts[1] = %d, want 3", got)
	}
	if got := counts.Get(2); got != 1 {
		t.Errorf("counts[2] = %d, want 1", got)
	}

	if err := WriteEraseCounts(dev, g.AddrEraseCounts1, g.EraseCountRecordsSize, counts); err != nil {
		t.Fatalf("WriteEraseCounts(1): %v", err)
	}
	if err := WriteEraseCounts(dev, g.AddrEraseCounts2, g.EraseCountRecordsSize, counts); err != nil {
		t.Fatalf("WriteEraseCounts(2): %v", err)
	}

	readBack, err := ReadEraseCounts(dev, g.AddrEraseCounts1, g.AddrEraseCounts2, g.SectorCount, 1, 0)
	if err != nil {
		t.Fatalf("ReadEraseCounts: %v", err)
	}
	if got := readBack.Get(1); got != 3 {
		t.Errorf("persisted counts[1] = %d, want 3", got)
	}
	if got := readBack.Get(2); got != 1 {
		t.Errorf("persisted counts[2] = %d, want 1", got)
	}
	for s := uint32(0); s < uint32(readBack.Len()); s++ {
		if s == 1 || s == 2 {
			continue
		}
		if got := readBack.Get(s); got != 0 {
			t.Errorf("persisted counts[%d] = %d, want 0", s, got)
		}
	}
}
