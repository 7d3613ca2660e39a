package fatengine

import (
	"encoding/binary"

	"github.com/aligator/fatengine/checkpoint"
	"github.com/golang/glog"
)

// fatOffset returns the byte offset of entry i inside of a FAT.
func (v *Volume) fatOffset(i uint32) uint32 {
	switch v.fsType {
	case FAT12:
		return i + i>>1
	case FAT16:
		return i * 2
	default:
		return i * 4
	}
}

// entrySpan returns how many bytes of a FAT must be read to decode a single entry.
func (v *Volume) entrySpan() uint32 {
	if v.fsType == FAT32 {
		return 4
	}
	return 2
}

// decodeEntry decodes entry i from buf, which contains the FAT starting at byte offset base.
func (v *Volume) decodeEntry(buf []byte, base, i uint32) uint32 {
	off := v.fatOffset(i) - base
	switch v.fsType {
	case FAT12:
		e := uint32(binary.LittleEndian.Uint16(buf[off:]))
		if i&1 == 1 {
			return e >> 4
		}
		return e & 0x0FFF
	case FAT16:
		return uint32(binary.LittleEndian.Uint16(buf[off:]))
	default:
		return binary.LittleEndian.Uint32(buf[off:]) & 0x0FFFFFFF
	}
}

// encodeEntry stores value as entry i in buf, keeping the bits which belong to neighbour entries
// (FAT12) or are reserved (the top 4 bits of FAT32).
func (v *Volume) encodeEntry(buf []byte, base, i, value uint32) {
	off := v.fatOffset(i) - base
	switch v.fsType {
	case FAT12:
		e := binary.LittleEndian.Uint16(buf[off:])
		if i&1 == 1 {
			e = e&0x000F | uint16(value<<4)
		} else {
			e = e&0xF000 | uint16(value&0x0FFF)
		}
		binary.LittleEndian.PutUint16(buf[off:], e)
	case FAT16:
		binary.LittleEndian.PutUint16(buf[off:], uint16(value))
	default:
		e := binary.LittleEndian.Uint32(buf[off:])
		binary.LittleEndian.PutUint32(buf[off:], e&0xF0000000|value&0x0FFFFFFF)
	}
}

// getEntries reads count consecutive FAT entries starting at entry first from the primary FAT.
// Only the sectors covering the requested entries are read.
func (v *Volume) getEntries(first, count uint32) ([]uint32, error) {
	if count == 0 {
		return nil, nil
	}
	last := first + count - 1
	if last < first || last >= v.dataClusters+firstCluster {
		return nil, checkpoint.Wrapf(nil, ErrRange, "FAT entries [%d, %d] of %d", first, last, v.dataClusters+firstCluster)
	}

	startSector := v.fatOffset(first) / v.sectorSize
	endSector := (v.fatOffset(last) + v.entrySpan() - 1) / v.sectorSize
	sectors := endSector - startSector + 1
	if endSector >= v.fatSectors {
		return nil, checkpoint.Wrapf(nil, ErrRange, "FAT sector %d of %d", endSector, v.fatSectors)
	}

	buf := make([]byte, sectors*v.sectorSize)
	if err := v.readSectors(uint64(v.reservedSectors+startSector), sectors, buf); err != nil {
		return nil, err
	}

	base := startSector * v.sectorSize
	entries := make([]uint32, count)
	for n := range entries {
		entries[n] = v.decodeEntry(buf, base, first+uint32(n))
	}
	return entries, nil
}

func (v *Volume) getEntry(i uint32) (uint32, error) {
	entries, err := v.getEntries(i, 1)
	if err != nil {
		return 0, err
	}
	return entries[0], nil
}

// setEntry stores value in FAT entry i of every FAT copy.
// The caller must hold v.mu unless the volume is not mounted.
func (v *Volume) setEntry(i, value uint32) error {
	if i >= v.dataClusters+firstCluster {
		return checkpoint.Wrapf(nil, ErrRange, "FAT entry %d of %d", i, v.dataClusters+firstCluster)
	}

	off := v.fatOffset(i)
	sector := off / v.sectorSize
	sectors := uint32(1)
	// A FAT12 entry may straddle two sectors.
	if off%v.sectorSize+v.entrySpan() > v.sectorSize {
		sectors = 2
	}
	if sector+sectors > v.fatSectors {
		return checkpoint.Wrapf(nil, ErrRange, "FAT sector %d of %d", sector+sectors-1, v.fatSectors)
	}

	buf := make([]byte, sectors*v.sectorSize)
	if err := v.readSectors(uint64(v.reservedSectors+sector), sectors, buf); err != nil {
		return err
	}
	v.encodeEntry(buf, sector*v.sectorSize, i, value)

	glog.V(2).Infof("Setting FAT entry %d to %#x", i, value)
	for mirror := uint32(0); mirror < v.numFATs; mirror++ {
		at := uint64(v.reservedSectors) + uint64(mirror)*uint64(v.fatSectors) + uint64(sector)
		if err := v.writeSectors(at, sectors, buf); err != nil {
			return err
		}
	}
	return nil
}

// isTerminal reports whether a FAT value ends a chain.
func (v *Volume) isTerminal(value uint32) bool {
	return value >= v.terminal
}

// validNext reports whether value may follow a cluster inside of a chain.
func (v *Volume) validNext(value uint32) bool {
	return value >= firstCluster && value < v.dataClusters+firstCluster
}
