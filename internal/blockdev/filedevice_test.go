package blockdev

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func newTestImage(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "partition.img")
	blank := bytes.Repeat([]byte{0xFF}, size)
	if err := os.WriteFile(path, blank, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestFileDeviceWriteReadRoundTrip(t *testing.T) {
	path := newTestImage(t, 0x1000)
	d, err := OpenFileDevice(path, 0x100, false)
	if err != nil {
		t.Fatalf("OpenFileDevice: %v", err)
	}
	defer d.Close()

	want := bytes.Repeat([]byte{0x5A}, 0x20)
	if err := d.Write(0x200, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(want))
	if err := d.Read(0x200, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("round-trip mismatch: got %x, want %x", got, want)
	}
}

func TestFileDeviceEraseRangeFillsFF(t *testing.T) {
	path := newTestImage(t, 0x1000)
	d, err := OpenFileDevice(path, 0x100, false)
	if err != nil {
		t.Fatalf("OpenFileDevice: %v", err)
	}
	defer d.Close()

	if err := d.Write(0x100, bytes.Repeat([]byte{0x11}, 0x100)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.EraseRange(0x100, 0x100); err != nil {
		t.Fatalf("EraseRange: %v", err)
	}
	got := make([]byte, 0x100)
	if err := d.Read(0x100, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, b := range got {
		if b != 0xFF {
			t.Fatalf("byte %d after erase = 0x%x, want 0xFF", i, b)
		}
	}
}

func TestFileDeviceReadOnlyRejectsMutation(t *testing.T) {
	path := newTestImage(t, 0x1000)
	d, err := OpenFileDevice(path, 0x100, true)
	if err != nil {
		t.Fatalf("OpenFileDevice: %v", err)
	}
	defer d.Close()

	if err := d.Write(0, []byte{0x00}); err == nil {
		t.Error("Write on read-only device: expected error")
	}
	if err := d.EraseSector(0); err == nil {
		t.Error("EraseSector on read-only device: expected error")
	}
	if err := d.EraseRange(0, 0x100); err == nil {
		t.Error("EraseRange on read-only device: expected error")
	}
}

func TestFileDeviceSizeMatchesFileSize(t *testing.T) {
	path := newTestImage(t, 0x4000)
	d, err := OpenFileDevice(path, 0x100, true)
	if err != nil {
		t.Fatalf("OpenFileDevice: %v", err)
	}
	defer d.Close()
	if d.Size() != 0x4000 {
		t.Errorf("Size() = 0x%x, want 0x4000", d.Size())
	}
}

func TestFileDeviceOutOfRangeAccess(t *testing.T) {
	path := newTestImage(t, 0x1000)
	d, err := OpenFileDevice(path, 0x100, false)
	if err != nil {
		t.Fatalf("OpenFileDevice: %v", err)
	}
	defer d.Close()

	buf := make([]byte, 0x10)
	if err := d.Read(0xFF8, buf); err == nil {
		t.Fatal("Read past end of device: expected error")
	}
}
