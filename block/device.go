// Package block defines the sector-addressed device the FAT engine reads from and writes to, and
// provides in-memory and afero-backed implementations of it.
package block

import (
	"github.com/pkg/errors"
)

// Generated mock using mockgen:
//  mockgen -source=device.go -destination=device_mock.go -package block

// Device is a synchronous, whole-sector block device.
type Device interface {
	// SectorSize returns the physical sector size in bytes.
	SectorSize() int

	// Sectors returns the number of sectors on the device.
	Sectors() uint64

	// ReadSectors reads count sectors starting at sector start into buf.
	// buf must be at least count*SectorSize() bytes long.
	ReadSectors(start uint64, count int, buf []byte) error

	// WriteSectors writes count sectors from buf starting at sector start.
	// Devices which cannot be written return ErrReadOnly.
	WriteSectors(start uint64, count int, buf []byte) error
}

var (
	// ErrReadOnly is returned by WriteSectors if the device does not accept writes.
	ErrReadOnly = errors.New("device is read-only")

	// ErrOutOfBounds indicates that the requested sector range is not on the device.
	ErrOutOfBounds = errors.New("sector range is out of bounds")

	// ErrShortBuffer indicates that the passed buffer cannot hold the requested sectors.
	ErrShortBuffer = errors.New("buffer is smaller than the requested sectors")
)

// checkRange validates a sector transfer against a device geometry.
func checkRange(sectorSize int, sectors uint64, start uint64, count int, buf []byte) error {
	if count < 0 || start+uint64(count) > sectors || start+uint64(count) < start {
		return errors.Wrapf(ErrOutOfBounds, "sectors [%d, %d) of %d", start, start+uint64(count), sectors)
	}
	if len(buf) < count*sectorSize {
		return errors.Wrapf(ErrShortBuffer, "%d bytes for %d sectors", len(buf), count)
	}
	return nil
}
