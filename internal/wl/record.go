package wl

import "github.com/asig/flashwl/internal/util"

// slotPayloadSize is the number of bytes both position-update slot formats
// actually use; a larger configured wr_size just pads the remainder with
// whatever the last full-state rewrite left there.
const slotPayloadSize = 16

func encodeU32(v uint32) []byte {
	b := make([]byte, 4)
	util.WriteLEUint32(b, 0, v)
	return b
}

// EncodeBaseSlot builds the base-mode position-update record for slot
// index n of device deviceID: four 32-bit words, word i =
// CRC32(seed, device_id + n*4 + i).
func EncodeBaseSlot(deviceID, slotIndex uint32) []byte {
	b := make([]byte, slotPayloadSize)
	for i := uint32(0); i < 4; i++ {
		word := crc32LE(encodeU32(deviceID + slotIndex*4 + i))
		util.WriteLEUint32(b, int(i*4), word)
	}
	return b
}

// BaseSlotSet reports whether buf holds a valid base-mode slot for the
// given device and slot index: all four words must match.
func BaseSlotSet(buf []byte, deviceID, slotIndex uint32) bool {
	if len(buf) < slotPayloadSize {
		return false
	}
	for i := uint32(0); i < 4; i++ {
		want := crc32LE(encodeU32(deviceID + slotIndex*4 + i))
		got := util.ReadLEUint32(buf, int(i*4))
		if got != want {
			return false
		}
	}
	return true
}

// Offsets within the advanced-mode slot: {device_id, pos_at_write,
// physical_sector, crc}.
const (
	ofsSlotDeviceID  = 0
	ofsSlotPos       = 4
	ofsSlotSector    = 8
	ofsSlotRecordCrc = 12
)

// EncodeAdvancedSlot builds the advanced-mode position-update record:
// {device_id, pos_at_write, physical_sector, crc}.
func EncodeAdvancedSlot(deviceID, posAtWrite, physicalSector uint32) []byte {
	b := make([]byte, slotPayloadSize)
	util.WriteLEUint32(b, ofsSlotDeviceID, deviceID)
	util.WriteLEUint32(b, ofsSlotPos, posAtWrite)
	util.WriteLEUint32(b, ofsSlotSector, physicalSector)
	util.WriteLEUint32(b, ofsSlotRecordCrc, crc32LE(b[:ofsSlotRecordCrc]))
	return b
}

// AdvancedSlotSet reports whether buf holds a valid advanced-mode slot for
// the given device and slot index, returning the physical sector it
// records when it does: device_id must match, pos_at_write must equal
// slot_index, and crc must equal CRC32 of the first three fields.
func AdvancedSlotSet(buf []byte, deviceID, slotIndex uint32) (physicalSector uint32, ok bool) {
	if len(buf) < slotPayloadSize {
		return 0, false
	}
	if util.ReadLEUint32(buf, ofsSlotDeviceID) != deviceID {
		return 0, false
	}
	if util.ReadLEUint32(buf, ofsSlotPos) != slotIndex {
		return 0, false
	}
	want := crc32LE(buf[:ofsSlotRecordCrc])
	if util.ReadLEUint32(buf, ofsSlotRecordCrc) != want {
		return 0, false
	}
	return util.ReadLEUint32(buf, ofsSlotSector), true
}
