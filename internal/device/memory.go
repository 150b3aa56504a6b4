// memory.go - Contiguous byte-addressable memory device.

package device

import (
	"encoding/binary"
)

// PageBits is the page granularity the translator's fast page table uses
// for direct-mapped memory regions.
const PageBits = 12

// MemoryDevice is a contiguous byte buffer answering reads/writes and
// publishing a direct pointer for translator fast paths, grounded on
// io.h/io.cpp's MemoryDevice (memcpy-based Read/Write, Read32/Write32 as
// raw pointer casts, Map returning memory.data()+offset).
type MemoryDevice struct {
	baseDevice
	buf []byte
}

// NewMemoryDevice allocates a zero-filled memory device covering
// [base, base+size).
func NewMemoryDevice(base, size uint32) *MemoryDevice {
	return &MemoryDevice{
		baseDevice: newBaseDevice(base, size),
		buf:        make([]byte, size),
	}
}

func (m *MemoryDevice) Read(offset uint32, buf []byte) {
	copy(buf, m.buf[offset:])
}

func (m *MemoryDevice) Write(offset uint32, buf []byte) {
	copy(m.buf[offset:], buf)
}

func (m *MemoryDevice) Read32(offset uint32) uint32 {
	return binary.LittleEndian.Uint32(m.buf[offset : offset+4])
}

func (m *MemoryDevice) Write32(offset uint32, value uint32) {
	binary.LittleEndian.PutUint32(m.buf[offset:offset+4], value)
}

// Map returns the live backing slice starting at offset; writes through
// the returned slice are visible to subsequent Read/Read32 calls, the
// same aliasing the original's Map() pointer provided.
func (m *MemoryDevice) Map(offset uint32) []byte {
	return m.buf[offset:]
}

// PageTableEntries returns the (pageIndex, hostSlice) pairs this device
// contributes to the translator's fast page table, one per PageBits-sized
// page in [base, base+size), mirroring MemoryDevice::UpdatePageTable.
func (m *MemoryDevice) PageTableEntries() map[uint32][]byte {
	entries := make(map[uint32][]byte)
	for offset := uint32(0); offset < m.size; offset += 1 << PageBits {
		page := (m.base + offset) >> PageBits
		entries[page] = m.buf[offset:]
	}
	return entries
}
