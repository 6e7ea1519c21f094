package blockdev

import (
	"fmt"
	"os"
)

// FileDevice treats a partition image on the host filesystem as the
// addressable space of a block device: a file read into the same
// addressable space a real device would expose, with no further
// special-casing. It is used by cmd/wlmon to inspect captured partition
// images.
type FileDevice struct {
	f          *os.File
	size       uint64
	sectorSize uint32
	encrypted  bool
	readOnly   bool
}

// OpenFileDevice opens path as a block device of the given sector size.
// When readOnly is true, Write/EraseSector/EraseRange fail instead of
// touching the file; the monitor always opens read-only.
func OpenFileDevice(path string, sectorSize uint32, readOnly bool) (*FileDevice, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdev: stat %s: %w", path, err)
	}
	return &FileDevice{
		f:          f,
		size:       uint64(info.Size()),
		sectorSize: sectorSize,
		readOnly:   readOnly,
	}, nil
}

func (d *FileDevice) Close() error { return d.f.Close() }

// SetEncrypted marks the device as reporting the encrypted capability flag;
// there is no on-disk signal for this in a bare image, so callers who know
// the source partition was encrypted set it explicitly.
func (d *FileDevice) SetEncrypted(v bool) { d.encrypted = v }

func (d *FileDevice) Read(addr uint64, dst []byte) error {
	if addr+uint64(len(dst)) > d.size {
		return &ErrOutOfRange{Addr: addr, Length: uint64(len(dst)), Size: d.size}
	}
	n, err := d.f.ReadAt(dst, int64(addr))
	if err != nil {
		return fmt.Errorf("blockdev: read at 0x%x: %w", addr, err)
	}
	if n != len(dst) {
		return fmt.Errorf("blockdev: short read at 0x%x: got %d, want %d", addr, n, len(dst))
	}
	return nil
}

func (d *FileDevice) Write(addr uint64, src []byte) error {
	if d.readOnly {
		return fmt.Errorf("blockdev: write to read-only device at 0x%x", addr)
	}
	if addr+uint64(len(src)) > d.size {
		return &ErrOutOfRange{Addr: addr, Length: uint64(len(src)), Size: d.size}
	}
	n, err := d.f.WriteAt(src, int64(addr))
	if err != nil {
		return fmt.Errorf("blockdev: write at 0x%x: %w", addr, err)
	}
	if n != len(src) {
		return fmt.Errorf("blockdev: short write at 0x%x: wrote %d, want %d", addr, n, len(src))
	}
	return nil
}

func (d *FileDevice) EraseSector(index uint64) error {
	return d.EraseRange(index*uint64(d.sectorSize), uint64(d.sectorSize))
}

func (d *FileDevice) EraseRange(addr uint64, length uint64) error {
	if d.readOnly {
		return fmt.Errorf("blockdev: erase on read-only device at 0x%x", addr)
	}
	if addr+length > d.size {
		return &ErrOutOfRange{Addr: addr, Length: length, Size: d.size}
	}
	blank := make([]byte, length)
	for i := range blank {
		blank[i] = 0xFF
	}
	return d.Write(addr, blank)
}

func (d *FileDevice) Encrypted() bool    { return d.encrypted }
func (d *FileDevice) Size() uint64       { return d.size }
func (d *FileDevice) SectorSize() uint32 { return d.sectorSize }
