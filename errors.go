package fatengine

import (
	"errors"
)

// These errors describe the kind of a failure. They are usually attached to the actual cause
// using the checkpoint package, so errors.Is works for both of them.
var (
	// ErrBadData indicates an on-disk structure which violates the FAT layout. The volume should
	// be treated as suspect.
	ErrBadData = errors.New("bad filesystem data")

	// ErrNoFree indicates that there are not enough free clusters, directory slots or short
	// alias numbers left.
	ErrNoFree = errors.New("no free space")

	ErrNotADirectory = errors.New("entry is not a directory")
	ErrNotAFile      = errors.New("entry is not a file")

	// ErrNoSuchEntry indicates that an entry carries no FAT data or does not exist.
	ErrNoSuchEntry = errors.New("no such entry")

	// ErrNoData indicates that a cluster chain ends before the requested data.
	ErrNoData = errors.New("no data")

	// ErrRange indicates an index outside of the valid window, for example a FAT entry beyond the
	// last data cluster.
	ErrRange = errors.New("value out of range")

	// ErrBounds indicates a buffer or a size outside of what the volume can handle.
	ErrBounds = errors.New("out of bounds")

	// ErrReadOnly is returned for all writes after the volume was mounted read-only or after the
	// device refused a write.
	ErrReadOnly = errors.New("filesystem is read-only")

	ErrNotMounted  = errors.New("volume is not mounted")
	ErrNotEmpty    = errors.New("directory is not empty")
	ErrInvalidName = errors.New("invalid file name")
)
