package fatengine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/aligator/fatengine/checkpoint"
	"github.com/spf13/afero"
)

// These errors may occur while processing a file.
var (
	ErrReadFile  = errors.New("could not read file completely")
	ErrWriteFile = errors.New("could not write file completely")
	ErrSeekFile  = errors.New("could not seek inside of the file")
	ErrReadDir   = errors.New("could not read the directory")
)

// File is a file or directory opened from an Fs.
// Changes of the size or the timestamps are written to the parent directory on Sync and Close.
type File struct {
	fs    *Fs
	entry *Entry
	name  string
	flag  int

	offset    int64
	dirOffset int
	dirty     bool
	closed    bool
}

var _ afero.File = (*File)(nil)

func (f *File) check() error {
	if f.closed {
		return os.ErrClosed
	}
	if f.entry.data == nil {
		return checkpoint.Wrapf(nil, ErrNoSuchEntry, "%q was removed", f.name)
	}
	return nil
}

func (f *File) Close() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if f.closed {
		return nil
	}
	err := f.sync()
	f.closed = true
	return err
}

func (f *File) Read(p []byte) (n int, err error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err := f.check(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	n, err = f.readAt(p, f.offset)
	f.offset += int64(n)
	if err == io.EOF && n > 0 {
		// Report io.EOF with the next call.
		err = nil
	}
	return n, err
}

func (f *File) ReadAt(p []byte, off int64) (n int, err error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err := f.check(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, checkpoint.Wrap(syscall.EINVAL, ErrReadFile)
	}
	return f.readAt(p, off)
}

// readAt reads whole clusters and copies the requested part into p. It returns io.EOF if p could
// not be filled because the file ends.
func (f *File) readAt(p []byte, off int64) (int, error) {
	if f.entry.IsDir() {
		return 0, checkpoint.Wrap(syscall.EISDIR, ErrReadFile)
	}

	// Reading over the end makes no sense.
	size := int64(f.entry.Size)
	if off >= size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	want := int64(len(p))
	if off+want > size {
		want = size - off
	}

	cb := int64(f.fs.vol.BlockSize())
	first := off / cb
	last := (off + want - 1) / cb
	buf := make([]byte, (last-first+1)*cb)
	if err := f.fs.vol.ReadFile(f.entry, uint32(first), uint32(last-first+1), buf); err != nil {
		return 0, checkpoint.Wrap(err, ErrReadFile)
	}

	n := copy(p, buf[off-first*cb:off-first*cb+want])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Seek jumps to a specific offset in the file. This affects all Read and Write operations except
// ReadAt and WriteAt.
// May return a syscall.EINVAL error if the whence value is invalid.
// May return an afero.ErrOutOfRange error if the offset is negative.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err := f.check(); err != nil {
		return 0, err
	}

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset = f.offset + offset
	case io.SeekEnd:
		offset = int64(f.entry.Size) + offset
	default:
		return 0, checkpoint.Wrap(ErrSeekFile, fmt.Errorf("%w, offset: %v, whence: %v", syscall.EINVAL, offset, whence))
	}

	// Seeking beyond the end is allowed, a following write fills the gap with zeros.
	if offset < 0 || offset > maxFileSize {
		return 0, checkpoint.Wrap(afero.ErrOutOfRange, fmt.Errorf("%w, offset: %v, whence: %v", ErrSeekFile, offset, whence))
	}

	f.offset = offset
	return offset, nil
}

func (f *File) Write(p []byte) (n int, err error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err := f.check(); err != nil {
		return 0, err
	}
	if f.flag&os.O_APPEND != 0 {
		f.offset = int64(f.entry.Size)
	}

	n, err = f.writeAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *File) WriteAt(p []byte, off int64) (n int, err error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err := f.check(); err != nil {
		return 0, err
	}
	if f.flag&os.O_APPEND != 0 {
		return 0, checkpoint.Wrapf(nil, ErrWriteFile, "WriteAt on a file opened with O_APPEND")
	}
	if off < 0 {
		return 0, checkpoint.Wrap(syscall.EINVAL, ErrWriteFile)
	}
	return f.writeAt(p, off)
}

// writeAt writes p at off. Clusters which are only partly overwritten are read first, a gap
// between the current end of the file and off is filled with zeros.
func (f *File) writeAt(p []byte, off int64) (int, error) {
	if f.flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		return 0, checkpoint.Wrap(syscall.EBADF, ErrWriteFile)
	}
	if f.entry.IsDir() {
		return 0, checkpoint.Wrap(syscall.EISDIR, ErrWriteFile)
	}
	if len(p) == 0 {
		return 0, nil
	}

	end := off + int64(len(p))
	if end > maxFileSize {
		return 0, checkpoint.Wrapf(nil, ErrBounds, "file would grow to %d bytes", end)
	}

	vol := f.fs.vol
	size := int64(f.entry.Size)
	start := off
	data := p
	if off > size {
		start = size
		data = make([]byte, end-size)
		copy(data[off-size:], p)
	}

	cb := int64(vol.BlockSize())
	first := start / cb
	last := (end - 1) / cb
	count := last - first + 1
	existing := int64(vol.clustersFor(uint32(size)))
	buf := make([]byte, count*cb)

	// Keep the content of clusters which are only partly overwritten.
	if start%cb != 0 && first < existing {
		if err := vol.ReadFile(f.entry, uint32(first), 1, buf[:cb]); err != nil {
			return 0, checkpoint.Wrap(err, ErrWriteFile)
		}
	}
	if end%cb != 0 && last < existing && (last != first || start%cb == 0) {
		if err := vol.ReadFile(f.entry, uint32(last), 1, buf[(count-1)*cb:]); err != nil {
			return 0, checkpoint.Wrap(err, ErrWriteFile)
		}
	}
	copy(buf[start-first*cb:], data)

	if err := vol.WriteFile(f.entry, uint32(first), uint32(count), buf); err != nil {
		return 0, checkpoint.Wrap(err, ErrWriteFile)
	}

	if end > size {
		size = end
	}
	f.entry.Size = uint32(size)
	f.dirty = true
	if err := vol.Timestamp(f.entry); err != nil {
		return len(p), err
	}
	return len(p), nil
}

func (f *File) Name() string {
	return f.name
}

// Readdir reads the contents of a directory.
// May return syscall.ENOTDIR if the current File is no directory.
func (f *File) Readdir(count int) ([]os.FileInfo, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err := f.check(); err != nil {
		return nil, err
	}
	if !f.entry.IsDir() {
		return nil, checkpoint.Wrap(syscall.ENOTDIR, ErrReadDir)
	}
	if err := f.fs.load(f.entry); err != nil {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}

	content := f.entry.Children
	if f.dirOffset > len(content) {
		f.dirOffset = len(content)
	}
	content = content[f.dirOffset:]

	if count > 0 {
		if len(content) == 0 {
			return nil, io.EOF
		}
		if count < len(content) {
			content = content[:count]
		}
	}
	f.dirOffset += len(content)

	result := make([]os.FileInfo, len(content))
	for i := range content {
		result[i] = content[i].FileInfo()
	}
	return result, nil
}

func (f *File) Readdirnames(count int) ([]string, error) {
	content, err := f.Readdir(count)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(content))
	for i, entry := range content {
		names[i] = entry.Name()
	}
	return names, nil
}

func (f *File) Stat() (os.FileInfo, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if f.closed {
		return nil, os.ErrClosed
	}
	return f.entry.FileInfo(), nil
}

// Sync writes the directory entry of the file, if its size or timestamps changed.
func (f *File) Sync() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err := f.check(); err != nil {
		return err
	}
	return f.sync()
}

func (f *File) sync() error {
	if !f.dirty || f.entry.data == nil || f.entry.Parent == nil {
		return nil
	}
	if err := f.fs.vol.WriteDir(f.entry.Parent); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

// Truncate changes the size of the file. Growing a file fills it with zeros.
func (f *File) Truncate(size int64) error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err := f.check(); err != nil {
		return err
	}
	if size < 0 || size > maxFileSize {
		return checkpoint.Wrapf(nil, ErrBounds, "size %d", size)
	}

	current := int64(f.entry.Size)
	if size > current {
		_, err := f.writeAt(make([]byte, size-current), current)
		return err
	}
	if f.flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		return checkpoint.Wrap(syscall.EBADF, ErrWriteFile)
	}

	vol := f.fs.vol
	if err := vol.SetBlocks(f.entry, vol.clustersFor(uint32(size))); err != nil {
		return err
	}
	f.entry.Size = uint32(size)
	f.dirty = true
	return vol.Timestamp(f.entry)
}

func (f *File) WriteString(s string) (ret int, err error) {
	return f.Write([]byte(s))
}
