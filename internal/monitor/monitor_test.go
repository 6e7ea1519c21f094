package monitor

import (
	"errors"
	"testing"

	"github.com/asig/flashwl/internal/blockdev"
	"github.com/asig/flashwl/internal/wl"
)

func s5Config() wl.Config {
	return wl.Config{
		FullMemSize:  0x100000,
		SectorSize:   0x1000,
		PageSize:     0x1000,
		WrSize:       0x10,
		Updaterate:   0x10,
		TempBuffSize: 0x1000,
		Version:      1,
	}
}

// formatAdvanced builds a valid advanced-mode config and state pair on dev,
// then sets the state's Feistel keys from the low 3 bytes of feistelWord
// (wl.State does not store byte 3 of the feistel_keys word, so it is
// written as zero) and recomputes the CRC, leaving the position-update log
// untouched (so it stays all-0xFF, i.e. no slots set).
func formatAdvanced(t *testing.T, cfg wl.Config, feistelWord uint32) (*blockdev.MemDevice, wl.Geometry) {
	t.Helper()
	dev := blockdev.NewMemDevice(uint64(cfg.FullMemSize), cfg.SectorSize)
	e, err := wl.Configure(dev, cfg, true)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := e.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	g := e.Geometry()

	buf := make([]byte, wl.StateHeaderSize)
	if err := dev.Read(g.AddrState1, buf); err != nil {
		t.Fatalf("read state1: %v", err)
	}
	s := wl.DecodeState(buf)
	s.FeistelKeys = [3]uint8{byte(feistelWord), byte(feistelWord >> 8), byte(feistelWord >> 16)}
	s.UpdateCrc()

	for _, addr := range []uint64{g.AddrState1, g.AddrState2} {
		if err := dev.EraseRange(addr, uint64(g.StateSize)); err != nil {
			t.Fatalf("erase state region: %v", err)
		}
		if err := dev.Write(addr, s.Encode()); err != nil {
			t.Fatalf("write state region: %v", err)
		}
	}
	return dev, g
}

// TestGetStatusS5AdvancedModeDetection crafts a state with feistel_keys
// 0xC15A3700, a valid CRC, and no position-update slots set; GetStatus must
// report wl_mode "advanced" and pos "0x0".
func TestGetStatusS5AdvancedModeDetection(t *testing.T) {
	cfg := s5Config()
	dev, _ := formatAdvanced(t, cfg, 0xC15A3700)

	candidates := []wl.Candidate{{Name: "primary", Start: 0, Size: uint64(cfg.FullMemSize)}}
	doc, err := GetStatus(dev, candidates)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if doc.WLMode != "advanced" {
		t.Errorf("WLMode = %q, want %q", doc.WLMode, "advanced")
	}
	if doc.State.Pos != "0x0" {
		t.Errorf("State.Pos = %q, want %q", doc.State.Pos, "0x0")
	}
	if len(doc.State.FeistelKeys) != 3 {
		t.Fatalf("FeistelKeys = %v, want 3 entries", doc.State.FeistelKeys)
	}
	if doc.Diagnostics == nil {
		t.Fatal("Diagnostics is nil")
	}
}

func TestFindPartitionNoneMatch(t *testing.T) {
	dev := blockdev.NewMemDevice(0x100000, 0x1000)
	candidates := []wl.Candidate{{Name: "only", Start: 0, Size: 0x100000}}
	if _, _, err := FindPartition(dev, candidates); !errors.Is(err, wl.ErrNotFound) {
		t.Errorf("FindPartition on blank device = %v, want ErrNotFound", err)
	}
}

func TestFindPartitionTriesEachCandidate(t *testing.T) {
	cfg := s5Config()
	dev, _ := formatAdvanced(t, cfg, 0xC15A3700)

	candidates := []wl.Candidate{
		{Name: "decoy", Start: 0, Size: 0x80000}, // wrong size, CRC won't match
		{Name: "real", Start: 0, Size: uint64(cfg.FullMemSize)},
	}
	got, c, err := FindPartition(dev, candidates)
	if err != nil {
		t.Fatalf("FindPartition: %v", err)
	}
	if c.Name != "real" {
		t.Errorf("matched candidate = %q, want %q", c.Name, "real")
	}
	if got.FullMemSize != cfg.FullMemSize || got.SectorSize != cfg.SectorSize || got.Updaterate != cfg.Updaterate {
		t.Errorf("matched config = %+v, want fields matching %+v", got, cfg)
	}
}

func TestGetStatusEncryptedDevice(t *testing.T) {
	dev := blockdev.NewMemDevice(0x100000, 0x1000)
	dev.SetEncrypted(true)
	candidates := []wl.Candidate{{Name: "primary", Start: 0, Size: 0x100000}}
	if _, err := GetStatus(dev, candidates); !errors.Is(err, wl.ErrNotFound) {
		t.Errorf("GetStatus on encrypted device = %v, want ErrNotFound (every candidate rejected)", err)
	}
}

func TestGetStatusBaseModeOmitsFeistelFields(t *testing.T) {
	cfg := s5Config()
	dev := blockdev.NewMemDevice(uint64(cfg.FullMemSize), cfg.SectorSize)
	e, err := wl.Configure(dev, cfg, false)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := e.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	candidates := []wl.Candidate{{Name: "primary", Start: 0, Size: uint64(cfg.FullMemSize)}}
	doc, err := GetStatus(dev, candidates)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if doc.WLMode != "base" {
		t.Errorf("WLMode = %q, want %q", doc.WLMode, "base")
	}
	if doc.State.FeistelKeys != nil {
		t.Errorf("FeistelKeys = %v, want omitted in base mode", doc.State.FeistelKeys)
	}
	if doc.EraseCounts != nil {
		t.Errorf("EraseCounts = %v, want omitted in base mode", doc.EraseCounts)
	}
}
