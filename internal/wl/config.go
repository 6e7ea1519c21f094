package wl

import (
	"fmt"

	"github.com/asig/flashwl/internal/blockdev"
	"github.com/asig/flashwl/internal/util"
)

const (
	configSize = 36 // 9 little-endian uint32 fields, CRC last.

	ofsStartAddr     = 0
	ofsFullMemSize   = 4
	ofsPageSize      = 8
	ofsSectorSize    = 12
	ofsUpdaterate    = 16
	ofsWrSize        = 20
	ofsVersion       = 24
	ofsTempBuffSize  = 28
	ofsConfigCrc     = 32
)

// Config is the on-flash config record, the fixed last sector of the
// partition. Field order and widths on flash are bit-exact; the codec
// below is offset-driven rather than reflection-driven, so the wire format
// is fixed by the ofs* constants, not by this struct's field order.
type Config struct {
	StartAddr     uint32
	FullMemSize   uint32
	PageSize      uint32
	SectorSize    uint32
	Updaterate    uint32
	WrSize        uint32
	Version       uint32
	TempBuffSize  uint32
	Crc           uint32
}

func (c *Config) Encode() []byte {
	b := make([]byte, configSize)
	util.WriteLEUint32(b, ofsStartAddr, c.StartAddr)
	util.WriteLEUint32(b, ofsFullMemSize, c.FullMemSize)
	util.WriteLEUint32(b, ofsPageSize, c.PageSize)
	util.WriteLEUint32(b, ofsSectorSize, c.SectorSize)
	util.WriteLEUint32(b, ofsUpdaterate, c.Updaterate)
	util.WriteLEUint32(b, ofsWrSize, c.WrSize)
	util.WriteLEUint32(b, ofsVersion, c.Version)
	util.WriteLEUint32(b, ofsTempBuffSize, c.TempBuffSize)
	util.WriteLEUint32(b, ofsConfigCrc, c.Crc)
	return b
}

func DecodeConfig(b []byte) Config {
	return Config{
		StartAddr:    util.ReadLEUint32(b, ofsStartAddr),
		FullMemSize:  util.ReadLEUint32(b, ofsFullMemSize),
		PageSize:     util.ReadLEUint32(b, ofsPageSize),
		SectorSize:   util.ReadLEUint32(b, ofsSectorSize),
		Updaterate:   util.ReadLEUint32(b, ofsUpdaterate),
		WrSize:       util.ReadLEUint32(b, ofsWrSize),
		Version:      util.ReadLEUint32(b, ofsVersion),
		TempBuffSize: util.ReadLEUint32(b, ofsTempBuffSize),
		Crc:          util.ReadLEUint32(b, ofsConfigCrc),
	}
}

// computeCrc returns the CRC-32 of the record up to (not including) the crc
// field.
func (c *Config) computeCrc() uint32 {
	b := c.Encode()
	return crc32LE(b[:ofsConfigCrc])
}

func (c *Config) updateCrc() {
	c.Crc = c.computeCrc()
}

func (c *Config) checkCrc() error {
	if c.Crc != c.computeCrc() {
		return ErrInvalidCrc
	}
	return nil
}

// Validate checks the config invariants: page_size >= sector_size;
// full_mem_size a multiple of sector_size; wr_size divides sector_size;
// temp_buff_size divides page_size.
func (c *Config) Validate() error {
	if c.SectorSize == 0 || c.PageSize == 0 || c.WrSize == 0 || c.TempBuffSize == 0 {
		return fmt.Errorf("%w: zero-sized field", ErrInvalidConfig)
	}
	if c.PageSize < c.SectorSize {
		return fmt.Errorf("%w: page_size 0x%x < sector_size 0x%x", ErrInvalidConfig, c.PageSize, c.SectorSize)
	}
	if c.FullMemSize%c.SectorSize != 0 {
		return fmt.Errorf("%w: full_mem_size 0x%x not a multiple of sector_size 0x%x", ErrInvalidConfig, c.FullMemSize, c.SectorSize)
	}
	if c.SectorSize%c.WrSize != 0 {
		return fmt.Errorf("%w: wr_size 0x%x does not divide sector_size 0x%x", ErrInvalidConfig, c.WrSize, c.SectorSize)
	}
	if c.PageSize%c.TempBuffSize != 0 {
		return fmt.Errorf("%w: temp_buff_size 0x%x does not divide page_size 0x%x", ErrInvalidConfig, c.TempBuffSize, c.PageSize)
	}
	return nil
}

// ReadConfig reads and validates the config sector at the fixed end of a
// partition. It fails Encrypted before touching the device's contents,
// then InvalidCrc if the stored CRC doesn't check out.
func ReadConfig(dev blockdev.Device, partitionStart, partitionSize uint64) (Config, error) {
	if dev.Encrypted() {
		return Config{}, ErrEncrypted
	}
	cfgAddr := partitionStart + partitionSize - uint64(dev.SectorSize())
	buf := make([]byte, configSize)
	if err := dev.Read(cfgAddr, buf); err != nil {
		return Config{}, fmt.Errorf("wl: read config: %w", err)
	}
	cfg := DecodeConfig(buf)
	if err := cfg.checkCrc(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
