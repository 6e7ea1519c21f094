package wl

import (
	"fmt"

	"github.com/asig/flashwl/internal/blockdev"
	"github.com/asig/flashwl/internal/util"
)

// Engine is the translation layer itself: it owns a Config/Geometry pair,
// the duplicated state, and (in advanced mode) the Feistel randomizer and
// erase-count ledger, and turns logical sector operations into the right
// physical ones.
type Engine struct {
	dev blockdev.Device

	cfg Config
	g   Geometry

	state       State
	feistel     *Feistel
	counts      *EraseCounts
	initialized bool
}

// Configure resolves geometry for cfg without touching the device, mostly
// so callers can validate a config before committing to formatting or
// mounting it.
func Configure(dev blockdev.Device, cfg Config, advanced bool) (*Engine, error) {
	g, err := Resolve(cfg, advanced)
	if err != nil {
		return nil, err
	}
	return &Engine{dev: dev, cfg: cfg, g: g}, nil
}

// Geometry exposes the resolved layout, mainly for the monitor and tests.
func (e *Engine) Geometry() Geometry { return e.g }

// ChipSize returns the logical size exposed above the translation layer.
// The physical region is one page larger than this: CalcAddr's codomain
// always skips the page currently holding the dummy block.
func (e *Engine) ChipSize() uint64 { return e.g.FlashSize }

func (e *Engine) SectorSize() uint32 { return e.g.SectorSize }

// requireInit guards every operation that depends on a mounted state
// record; Configure/Init themselves don't call it.
func (e *Engine) requireInit() error {
	if !e.initialized {
		return ErrInvalidState
	}
	return nil
}

// Init mounts an already-formatted partition: it reads both state copies,
// applies the 4-branch recovery table, and (in advanced mode) loads the
// Feistel keys and erase-count ledger.
func (e *Engine) Init() error {
	var buf1, buf2 [stateHeaderSize]byte
	if err := e.dev.Read(e.g.AddrState1, buf1[:]); err != nil {
		return fmt.Errorf("wl: read state1: %w", err)
	}
	if err := e.dev.Read(e.g.AddrState2, buf2[:]); err != nil {
		return fmt.Errorf("wl: read state2: %w", err)
	}
	s1 := DecodeState(buf1[:])
	s2 := DecodeState(buf2[:])
	valid1 := s1.CheckCrc() == nil
	valid2 := s2.CheckCrc() == nil

	switch {
	case valid1 && valid2:
		e.state = s1
		if s1.Crc != s2.Crc {
			if err := e.rewriteStateFrom(e.g.AddrState2, s1); err != nil {
				return err
			}
			if err := e.mirrorSlots(e.g.AddrState1, e.g.AddrState2, s1); err != nil {
				return err
			}
		}
		if err := e.recoverPos(); err != nil {
			return err
		}
	case !valid1 && !valid2:
		if err := e.initSections(); err != nil {
			return err
		}
	case valid1:
		e.state = s1
		if err := e.rewriteStateFrom(e.g.AddrState2, s1); err != nil {
			return err
		}
		if err := e.mirrorSlots(e.g.AddrState1, e.g.AddrState2, s1); err != nil {
			return err
		}
		if err := e.recoverPos(); err != nil {
			return err
		}
	default:
		e.state = s2
		if err := e.rewriteStateFrom(e.g.AddrState1, s2); err != nil {
			return err
		}
		if err := e.mirrorSlots(e.g.AddrState2, e.g.AddrState1, s2); err != nil {
			return err
		}
		if err := e.recoverPos(); err != nil {
			return err
		}
	}

	if e.state.Advanced() {
		feistel, err := NewFeistel(e.g.SectorCount, e.state.FeistelKeys)
		if err != nil {
			return err
		}
		e.feistel = feistel
		counts, err := ReadEraseCounts(e.dev, e.g.AddrEraseCounts1, e.g.AddrEraseCounts2, e.g.SectorCount, e.state.MoveCount, e.state.CycleCount)
		if err != nil {
			return err
		}
		e.counts = counts
	}
	e.initialized = true
	return nil
}

func (e *Engine) rewriteStateFrom(addr uint64, s State) error {
	if err := e.dev.EraseRange(addr, uint64(e.g.StateSize)); err != nil {
		return fmt.Errorf("wl: erase state region: %w", err)
	}
	if err := e.dev.Write(addr, s.Encode()); err != nil {
		return fmt.Errorf("wl: write state region: %w", err)
	}
	return nil
}

// mirrorSlots copies every currently-valid position-update slot from src's
// state region into dst's via per-slot re-validation rather than a raw
// byte copy of the whole log.
func (e *Engine) mirrorSlots(src, dst uint64, s State) error {
	buf := make([]byte, e.g.WrSize)
	for i := uint32(0); i < s.MaxPos; i++ {
		off := uint64(stateHeaderSize) + uint64(i)*uint64(e.g.WrSize)
		if err := e.dev.Read(src+off, buf); err != nil {
			return fmt.Errorf("wl: read position-update slot: %w", err)
		}
		ok := false
		if s.Advanced() {
			_, ok = AdvancedSlotSet(buf, s.DeviceID, i)
		} else {
			ok = BaseSlotSet(buf, s.DeviceID, i)
		}
		if ok {
			if err := e.dev.Write(dst+off, buf); err != nil {
				return fmt.Errorf("wl: mirror position-update slot: %w", err)
			}
		}
	}
	return nil
}

// recoverPos scans the position-update log of state copy 1 from slot 0;
// the first unset slot marks the current position.
func (e *Engine) recoverPos() error {
	buf := make([]byte, e.g.WrSize)
	pos := uint32(0)
	for i := uint32(0); i < e.state.MaxPos; i++ {
		pos = i
		off := uint64(stateHeaderSize) + uint64(i)*uint64(e.g.WrSize)
		if err := e.dev.Read(e.g.AddrState1+off, buf); err != nil {
			return fmt.Errorf("wl: read position-update slot: %w", err)
		}
		ok := false
		if e.state.Advanced() {
			_, ok = AdvancedSlotSet(buf, e.state.DeviceID, i)
		} else {
			ok = BaseSlotSet(buf, e.state.DeviceID, i)
		}
		if !ok {
			break
		}
	}
	e.state.Pos = pos
	if e.state.Pos == e.state.MaxPos {
		e.state.Pos--
	}
	return nil
}

// initSections formats a fresh state: zeroed counters, a random device ID
// (and, for advanced mode, random Feistel keys), written to both state
// copies, the config sector, and — in advanced mode — both erase-count
// ledger copies.
func (e *Engine) initSections() error {
	e.state = State{
		MaxPos:    e.g.MaxPos,
		MaxCount:  e.g.MaxCount,
		BlockSize: e.g.PageSize,
		Version:   e.g.DeviceVersion,
		DeviceID:  randomDeviceID(),
	}
	if e.g.Advanced {
		e.state.FeistelKeys = randomFeistelKeys()
		feistel, err := NewFeistel(e.g.SectorCount, e.state.FeistelKeys)
		if err != nil {
			return err
		}
		e.feistel = feistel
	}
	e.state.UpdateCrc()

	if err := e.rewriteStateFrom(e.g.AddrState1, e.state); err != nil {
		return err
	}
	if err := e.rewriteStateFrom(e.g.AddrState2, e.state); err != nil {
		return err
	}

	cfg := e.cfg
	cfg.updateCrc()
	if err := e.dev.EraseRange(e.g.AddrCfg, uint64(e.g.CfgSize)); err != nil {
		return fmt.Errorf("wl: erase config sector: %w", err)
	}
	if err := e.dev.Write(e.g.AddrCfg, cfg.Encode()); err != nil {
		return fmt.Errorf("wl: write config sector: %w", err)
	}

	if e.g.Advanced {
		e.counts = NewEraseCounts(e.g.SectorCount)
		if err := WriteEraseCounts(e.dev, e.g.AddrEraseCounts1, e.g.EraseCountRecordsSize, e.counts); err != nil {
			return err
		}
		if err := WriteEraseCounts(e.dev, e.g.AddrEraseCounts2, e.g.EraseCountRecordsSize, e.counts); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) physical(logicalAddr uint64) uint64 {
	return uint64(e.g.StartAddr) + CalcAddr(e.g, e.state, e.feistel, logicalAddr)
}

// Read copies dst from the logical address's current physical location.
func (e *Engine) Read(addr uint64, dst []byte) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	return e.dev.Read(e.physical(addr), dst)
}

// Write copies src to the logical address's current physical location.
func (e *Engine) Write(addr uint64, src []byte) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	return e.dev.Write(e.physical(addr), src)
}

// EraseSector rotates the dummy page (if the access budget is exhausted)
// and then erases the logical sector at its current physical location.
func (e *Engine) EraseSector(index uint64) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	sector := uint32(index)
	rot, err := UpdateWL(e.dev, e.g, e.feistel, &e.state, sector)
	if err != nil {
		return err
	}

	addr := uint64(sector) * uint64(e.g.SectorSize)
	if err := e.dev.EraseSector(e.physical(addr) / uint64(e.g.SectorSize)); err != nil {
		return fmt.Errorf("wl: erase sector: %w", err)
	}

	if rot.Rotated {
		if err := e.persistRotation(rot); err != nil {
			return err
		}
	}
	return nil
}

// EraseRange erases every sector overlapping [addr, addr+length).
func (e *Engine) EraseRange(addr uint64, length uint64) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	S := uint64(e.g.SectorSize)
	first := addr / S
	count := (length + S - 1) / S
	for i := uint64(0); i < count; i++ {
		if err := e.EraseSector(first + i); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) persistRotation(rot RotationResult) error {
	off := uint64(stateHeaderSize) + uint64(rot.SlotPos)*uint64(e.g.WrSize)
	if err := e.dev.Write(e.g.AddrState1+off, rot.Slot); err != nil {
		return fmt.Errorf("wl: write position-update slot 1: %w", err)
	}
	if err := e.dev.Write(e.g.AddrState2+off, rot.Slot); err != nil {
		return fmt.Errorf("wl: write position-update slot 2: %w", err)
	}

	if !rot.Wrapped {
		return nil
	}

	e.state.UpdateCrc()

	if e.g.Advanced {
		if err := UpdateEraseCounts(e.dev, e.g.AddrState1, e.g.WrSize, e.state.MaxPos, e.state.DeviceID, e.counts); err != nil {
			return err
		}
		if err := WriteEraseCounts(e.dev, e.g.AddrEraseCounts1, e.g.EraseCountRecordsSize, e.counts); err != nil {
			return err
		}
		if err := WriteEraseCounts(e.dev, e.g.AddrEraseCounts2, e.g.EraseCountRecordsSize, e.counts); err != nil {
			return err
		}
	}

	if err := e.rewriteStateFrom(e.g.AddrState1, e.state); err != nil {
		return err
	}
	if err := e.rewriteStateFrom(e.g.AddrState2, e.state); err != nil {
		return err
	}
	return nil
}

// Flush forces one final rotation so the dummy currently parked at pos
// also gets moved out before power-down, rather than leaving up to
// MaxCount-1 accesses of slack sitting unrotated. Every write is already
// committed to the device synchronously, so there's nothing else to flush.
func (e *Engine) Flush() error {
	if err := e.requireInit(); err != nil {
		return err
	}
	if e.state.MaxCount > 0 {
		e.state.AccessCount = e.state.MaxCount - 1
	}
	rot, err := UpdateWL(e.dev, e.g, e.feistel, &e.state, e.state.Pos)
	if err != nil {
		return err
	}
	if rot.Rotated {
		return e.persistRotation(rot)
	}
	return nil
}

func randomDeviceID() uint32 {
	return util.ReadLEUint32(randomBytes(4), 0)
}

func randomFeistelKeys() [3]uint8 {
	b := randomBytes(3)
	return [3]uint8{b[0], b[1], b[2]}
}
