package block

import (
	"sync"
)

// Mem implements Device on top of a byte slice. It is mainly used to build images in memory and
// as a fixture in tests.
type Mem struct {
	mu         sync.RWMutex
	data       []byte
	sectorSize int
	readOnly   bool
}

// NewMem creates a zero filled in-memory device of the given geometry.
func NewMem(sectorSize int, sectors uint64) *Mem {
	return &Mem{
		data:       make([]byte, uint64(sectorSize)*sectors),
		sectorSize: sectorSize,
	}
}

// NewMemFromBytes uses data as the backing store of the device. len(data) should be a multiple of
// sectorSize; a trailing partial sector is not addressable.
func NewMemFromBytes(data []byte, sectorSize int) *Mem {
	return &Mem{
		data:       data,
		sectorSize: sectorSize,
	}
}

// SetReadOnly makes all following writes fail with ErrReadOnly.
func (m *Mem) SetReadOnly(readOnly bool) {
	m.mu.Lock()
	m.readOnly = readOnly
	m.mu.Unlock()
}

// Bytes returns the backing store. It is not a copy.
func (m *Mem) Bytes() []byte {
	return m.data
}

// SectorSize implements Device.SectorSize for Mem.
func (m *Mem) SectorSize() int {
	return m.sectorSize
}

// Sectors implements Device.Sectors for Mem.
func (m *Mem) Sectors() uint64 {
	return uint64(len(m.data) / m.sectorSize)
}

// ReadSectors implements Device.ReadSectors for Mem.
func (m *Mem) ReadSectors(start uint64, count int, buf []byte) error {
	if err := checkRange(m.sectorSize, m.Sectors(), start, count, buf); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	off := start * uint64(m.sectorSize)
	copy(buf[:count*m.sectorSize], m.data[off:])
	return nil
}

// WriteSectors implements Device.WriteSectors for Mem.
func (m *Mem) WriteSectors(start uint64, count int, buf []byte) error {
	if err := checkRange(m.sectorSize, m.Sectors(), start, count, buf); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readOnly {
		return ErrReadOnly
	}
	off := start * uint64(m.sectorSize)
	copy(m.data[off:off+uint64(count*m.sectorSize)], buf)
	return nil
}
