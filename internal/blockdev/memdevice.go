package blockdev

// MemDevice is an in-memory Device backed by a flat byte slice. It behaves
// like a real flash for the engine and monitor's unit tests, keeping
// erased sectors at 0xFF the way NOR flash reads after an erase, and
// tallies EraseCount per physical sector for tests that assert on wear
// distribution.
type MemDevice struct {
	data       []byte
	sectorSize uint32
	encrypted  bool

	EraseCount map[uint64]uint32
}

func NewMemDevice(size uint64, sectorSize uint32) *MemDevice {
	d := &MemDevice{
		data:       make([]byte, size),
		sectorSize: sectorSize,
		EraseCount: make(map[uint64]uint32),
	}
	for i := range d.data {
		d.data[i] = 0xFF
	}
	return d
}

func (d *MemDevice) SetEncrypted(v bool) { d.encrypted = v }

func (d *MemDevice) Read(addr uint64, dst []byte) error {
	if addr+uint64(len(dst)) > uint64(len(d.data)) {
		return &ErrOutOfRange{Addr: addr, Length: uint64(len(dst)), Size: uint64(len(d.data))}
	}
	copy(dst, d.data[addr:addr+uint64(len(dst))])
	return nil
}

func (d *MemDevice) Write(addr uint64, src []byte) error {
	if addr+uint64(len(src)) > uint64(len(d.data)) {
		return &ErrOutOfRange{Addr: addr, Length: uint64(len(src)), Size: uint64(len(d.data))}
	}
	copy(d.data[addr:addr+uint64(len(src))], src)
	return nil
}

func (d *MemDevice) EraseSector(index uint64) error {
	addr := index * uint64(d.sectorSize)
	return d.EraseRange(addr, uint64(d.sectorSize))
}

func (d *MemDevice) EraseRange(addr uint64, length uint64) error {
	if addr+length > uint64(len(d.data)) {
		return &ErrOutOfRange{Addr: addr, Length: length, Size: uint64(len(d.data))}
	}
	for i := addr; i < addr+length; i++ {
		d.data[i] = 0xFF
	}
	for s := addr / uint64(d.sectorSize); s < (addr+length+uint64(d.sectorSize)-1)/uint64(d.sectorSize); s++ {
		d.EraseCount[s]++
	}
	return nil
}

func (d *MemDevice) Encrypted() bool    { return d.encrypted }
func (d *MemDevice) Size() uint64       { return uint64(len(d.data)) }
func (d *MemDevice) SectorSize() uint32 { return d.sectorSize }
func (d *MemDevice) Bytes() []byte      { return d.data }
