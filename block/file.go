package block

import (
	"io"
	"os"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// DefaultSectorSize is used for image files which do not report a sector size of their own.
const DefaultSectorSize = 512

// File represents a block device backed by an afero.File. This may be a plain image file, a real
// block device opened through afero.NewOsFs() or a file of an in-memory afero filesystem.
type File struct {
	f          afero.File
	name       string
	sectorSize int
	sectors    uint64
	readOnly   bool
}

// Open opens the named image or device on fs. If readOnly is set the file is opened with
// os.O_RDONLY and all writes fail with ErrReadOnly.
func Open(fs afero.Fs, name string, readOnly bool) (*File, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}

	f, err := fs.OpenFile(name, flag, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", name)
	}

	dev, err := New(f, readOnly)
	if err != nil {
		f.Close()
		return nil, err
	}
	return dev, nil
}

// New creates a new File using f as the backing store. The size of the device is the size of f,
// or, for Linux block devices, the size reported by the kernel. New does not close f if any
// errors occur.
func New(f afero.File, readOnly bool) (*File, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", f.Name())
	}

	size := info.Size()
	sectorSize := int64(DefaultSectorSize)
	if info.Mode()&os.ModeDevice != 0 {
		// Block devices report a size of 0 through stat, ask the kernel instead.
		if fd, ok := f.(interface{ Fd() uintptr }); ok {
			if s, err := ioctlBlockGetSize(fd.Fd()); err == nil {
				size = s
			}
			if s, err := ioctlBlockGetSectorSize(fd.Fd()); err == nil {
				sectorSize = s
			}
		}
	}

	if glog.V(2) {
		glog.Info("File name: ", info.Name())
		glog.Info("     size: ", size)
		glog.Info("   sector: ", sectorSize)
	}

	return &File{
		f:          f,
		name:       f.Name(),
		sectorSize: int(sectorSize),
		sectors:    uint64(size / sectorSize),
		readOnly:   readOnly,
	}, nil
}

// SectorSize implements Device.SectorSize for File.
func (f *File) SectorSize() int {
	return f.sectorSize
}

// Sectors implements Device.Sectors for File.
func (f *File) Sectors() uint64 {
	return f.sectors
}

// ReadSectors implements Device.ReadSectors for File.
func (f *File) ReadSectors(start uint64, count int, buf []byte) error {
	if err := checkRange(f.sectorSize, f.sectors, start, count, buf); err != nil {
		return errors.Wrap(err, f.name)
	}

	glog.V(2).Infof("ReadSectors: reading %d sectors from sector %d", count, start)
	n, err := f.f.ReadAt(buf[:count*f.sectorSize], int64(start)*int64(f.sectorSize))
	if err == io.EOF && n == count*f.sectorSize {
		err = nil
	}
	return errors.Wrapf(err, "read %s", f.name)
}

// WriteSectors implements Device.WriteSectors for File.
func (f *File) WriteSectors(start uint64, count int, buf []byte) error {
	if f.readOnly {
		return ErrReadOnly
	}
	if err := checkRange(f.sectorSize, f.sectors, start, count, buf); err != nil {
		return errors.Wrap(err, f.name)
	}

	glog.V(2).Infof("WriteSectors: writing %d sectors to sector %d", count, start)
	_, err := f.f.WriteAt(buf[:count*f.sectorSize], int64(start)*int64(f.sectorSize))
	return errors.Wrapf(err, "write %s", f.name)
}

// Sync commits written sectors to stable storage.
func (f *File) Sync() error {
	if f.readOnly {
		return nil
	}
	return f.f.Sync()
}

// Close calls Sync and closes the backing file.
func (f *File) Close() error {
	if err := f.Sync(); err != nil {
		f.f.Close()
		return err
	}
	return f.f.Close()
}
