// Package monitor implements the read-only reconstruction of a
// wear-levelling partition's layout and state from nothing but a
// block-device image, without mounting or mutating it.
package monitor

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/asig/flashwl/internal/blockdev"
	"github.com/asig/flashwl/internal/wl"
)

// Mode is the detected wear-levelling mode.
type Mode int

const (
	Undefined Mode = iota
	Base
	Advanced
)

func (m Mode) String() string {
	switch m {
	case Base:
		return "base"
	case Advanced:
		return "advanced"
	default:
		return "undefined"
	}
}

// ConfigDoc is the config half of a StatusDocument: every field rendered
// as a hex string.
type ConfigDoc struct {
	StartAddr    string `json:"start_addr"`
	FullMemSize  string `json:"full_mem_size"`
	PageSize     string `json:"page_size"`
	SectorSize   string `json:"sector_size"`
	Updaterate   string `json:"updaterate"`
	WrSize       string `json:"wr_size"`
	Version      string `json:"version"`
	TempBuffSize string `json:"temp_buff_size"`
	Crc          string `json:"crc"`
}

func hex32(v uint32) string { return fmt.Sprintf("0x%x", v) }

func newConfigDoc(cfg wl.Config) ConfigDoc {
	return ConfigDoc{
		StartAddr:    hex32(cfg.StartAddr),
		FullMemSize:  hex32(cfg.FullMemSize),
		PageSize:     hex32(cfg.PageSize),
		SectorSize:   hex32(cfg.SectorSize),
		Updaterate:   hex32(cfg.Updaterate),
		WrSize:       hex32(cfg.WrSize),
		Version:      hex32(cfg.Version),
		TempBuffSize: hex32(cfg.TempBuffSize),
		Crc:          hex32(cfg.Crc),
	}
}

// StateDoc is the state half of a StatusDocument. CycleCount and
// FeistelKeys are omitted (encoding/json "omitempty" on a string slice)
// when the partition is in base mode.
type StateDoc struct {
	Pos         string `json:"pos"`
	MaxPos      string `json:"max_pos"`
	MoveCount   string `json:"move_count"`
	AccessCount string `json:"access_count"`
	MaxCount    string `json:"max_count"`
	BlockSize   string `json:"block_size"`
	Version     string `json:"version"`
	DeviceID    string `json:"device_id"`
	Crc         string `json:"crc"`

	CycleCount  string   `json:"cycle_count,omitempty"`
	FeistelKeys []string `json:"feistel_keys,omitempty"`
}

func newStateDoc(s wl.State, advanced bool) StateDoc {
	d := StateDoc{
		Pos:         hex32(s.Pos),
		MaxPos:      hex32(s.MaxPos),
		MoveCount:   hex32(s.MoveCount),
		AccessCount: hex32(s.AccessCount),
		MaxCount:    hex32(s.MaxCount),
		BlockSize:   hex32(s.BlockSize),
		Version:     hex32(s.Version),
		DeviceID:    hex32(s.DeviceID),
		Crc:         hex32(s.Crc),
	}
	if advanced {
		d.CycleCount = hex32(s.CycleCount)
		d.FeistelKeys = []string{
			fmt.Sprintf("0x%x", s.FeistelKeys[0]),
			fmt.Sprintf("0x%x", s.FeistelKeys[1]),
			fmt.Sprintf("0x%x", s.FeistelKeys[2]),
		}
	}
	return d
}

// Diagnostics carries the closed-form erase estimate alongside the tallied
// counts, so a caller can sanity-check one against the other.
type Diagnostics struct {
	EstimatedTotalErases uint64 `json:"estimated_total_erases"`
	FeistelCalls         uint64 `json:"feistel_calls,omitempty"`
	FeistelCycleWalks    uint64 `json:"feistel_cycle_walks,omitempty"`
}

// StatusDocument is the monitor's stable output shape.
type StatusDocument struct {
	WLMode      string            `json:"wl_mode"`
	Config      ConfigDoc         `json:"config"`
	State       StateDoc          `json:"state"`
	EraseCounts map[string]uint16 `json:"erase_counts,omitempty"`
	Diagnostics *Diagnostics      `json:"diagnostics,omitempty"`
}

// ErrorDocument is emitted in place of a StatusDocument on any failure.
type ErrorDocument struct {
	Error string `json:"error"`
}

// FindPartition tries each candidate in order, reading its trailing config
// sector and checking the CRC; the first match wins. Candidates let the
// caller scan a list of same-type partitions rather than assuming exactly
// one.
func FindPartition(dev blockdev.Device, candidates []wl.Candidate) (wl.Config, wl.Candidate, error) {
	for _, c := range candidates {
		cfg, err := wl.ReadConfig(dev, c.Start, c.Size)
		if err == nil {
			return cfg, c, nil
		}
		log.Debug().Str("candidate", c.Name).Err(err).Msg("monitor: candidate rejected")
	}
	return wl.Config{}, wl.Candidate{}, wl.ErrNotFound
}

// GetStatus runs the full read-only reconstruction over dev and renders
// the result as a StatusDocument, or an error identifying which step
// failed.
func GetStatus(dev blockdev.Device, candidates []wl.Candidate) (*StatusDocument, error) {
	cfg, _, err := FindPartition(dev, candidates)
	if err != nil {
		return nil, err
	}

	// Geometry's state/config addresses don't depend on advanced-mode
	// sizing, only the erase-count ledger does, so a provisional,
	// non-advanced resolve is enough to locate the state region.
	g, err := wl.Resolve(cfg, false)
	if err != nil {
		return nil, err
	}

	state, err := readState(dev, g.AddrState1)
	if err != nil {
		return nil, err
	}

	mode, pos, err := crossCheckMode(dev, g, state)
	if err != nil {
		return nil, err
	}
	state.Pos = pos

	doc := &StatusDocument{
		WLMode: mode.String(),
		Config: newConfigDoc(cfg),
		State:  newStateDoc(state, mode == Advanced),
	}

	if mode != Advanced {
		doc.Diagnostics = &Diagnostics{EstimatedTotalErases: state.EstimatedTotalErases(cfg.Updaterate)}
		return doc, nil
	}

	ag, err := wl.Resolve(cfg, true)
	if err != nil {
		return nil, err
	}
	counts, err := wl.ReadEraseCounts(dev, ag.AddrEraseCounts1, ag.AddrEraseCounts2, ag.SectorCount, state.MoveCount, state.CycleCount)
	if err != nil {
		return nil, err
	}
	if err := wl.UpdateEraseCounts(dev, g.AddrState1, cfg.WrSize, state.MaxPos, state.DeviceID, counts); err != nil {
		return nil, err
	}

	ec := make(map[string]uint16)
	for sector := uint32(0); sector < uint32(counts.Len()); sector++ {
		if c := counts.Get(sector); c != 0 {
			ec[fmt.Sprintf("%d", sector)] = c
		}
	}
	doc.EraseCounts = ec
	doc.Diagnostics = &Diagnostics{EstimatedTotalErases: state.EstimatedTotalErases(cfg.Updaterate)}
	return doc, nil
}

func readState(dev blockdev.Device, addr uint64) (wl.State, error) {
	buf := make([]byte, wl.StateHeaderSize)
	if err := dev.Read(addr, buf); err != nil {
		return wl.State{}, fmt.Errorf("wl: read state: %w", err)
	}
	s := wl.DecodeState(buf)
	if err := s.CheckCrc(); err != nil {
		return wl.State{}, err
	}
	return s, nil
}

// crossCheckMode runs recover_pos under both slot predicates and
// reconciles the outcome against the feistel_keys-based mode hint.
func crossCheckMode(dev blockdev.Device, g wl.Geometry, state wl.State) (Mode, uint32, error) {
	hint := Base
	if state.Advanced() {
		hint = Advanced
	}

	basePos, err := recoverPosAs(dev, g, state, false)
	if err != nil {
		return Undefined, 0, err
	}
	advPos, err := recoverPosAs(dev, g, state, true)
	if err != nil {
		return Undefined, 0, err
	}

	var mode Mode
	var pos uint32
	switch {
	case basePos != 0 && advPos != 0:
		return Undefined, 0, fmt.Errorf("%w: both recovery predicates report a non-zero position", wl.ErrInvalidState)
	case basePos != 0:
		mode, pos = Base, basePos
	case advPos != 0:
		mode, pos = Advanced, advPos
	default:
		mode, pos = hint, 0
	}

	if (mode == Advanced) != (hint == Advanced) {
		return Undefined, 0, fmt.Errorf("%w: recovered mode disagrees with feistel_keys hint", wl.ErrInvalidState)
	}
	return mode, pos, nil
}

// recoverPosAs scans state region 1's position-update log under one of the
// two slot predicates and returns the resulting pos, clamped into
// [0, max_pos-1].
func recoverPosAs(dev blockdev.Device, g wl.Geometry, state wl.State, advanced bool) (uint32, error) {
	buf := make([]byte, g.WrSize)
	pos := uint32(0)
	for i := uint32(0); i < state.MaxPos; i++ {
		pos = i
		off := uint64(wl.StateHeaderSize) + uint64(i)*uint64(g.WrSize)
		if err := dev.Read(g.AddrState1+off, buf); err != nil {
			return 0, fmt.Errorf("wl: read position-update slot: %w", err)
		}
		ok := false
		if advanced {
			_, ok = wl.AdvancedSlotSet(buf, state.DeviceID, i)
		} else {
			ok = wl.BaseSlotSet(buf, state.DeviceID, i)
		}
		if !ok {
			break
		}
	}
	if pos == state.MaxPos {
		pos--
	}
	return pos, nil
}
