package fatengine

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aligator/fatengine/block"
	"github.com/aligator/fatengine/checkpoint"
	"github.com/golang/glog"
	"github.com/spf13/afero"
)

// Fs provides an afero.Fs on top of a mounted FAT volume.
// All operations of the Fs and of the files opened from it are serialized.
type Fs struct {
	vol *Volume

	// mu guards the entry tree of vol.
	mu sync.Mutex
}

var _ afero.Fs = (*Fs)(nil)

// New mounts the FAT volume on dev and returns it as afero.Fs.
func New(dev block.Device, opts MountOptions) (*Fs, error) {
	vol, err := Mount(dev, opts)
	if err != nil {
		return nil, err
	}
	return NewFs(vol), nil
}

// NewFs wraps an already mounted volume.
func NewFs(vol *Volume) *Fs {
	return &Fs{vol: vol}
}

// Volume returns the underlying volume.
func (fs *Fs) Volume() *Volume {
	return fs.vol
}

// Unmount unmounts the underlying volume. Files which are still open are not synced.
func (fs *Fs) Unmount() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.vol.Unmount()
}

func cleanPath(name string) string {
	return path.Clean("/" + filepath.ToSlash(name))
}

// load reads the children of dir, if this has not happened yet.
func (fs *Fs) load(dir *Entry) error {
	if dir.Loaded() {
		return nil
	}
	return fs.vol.ReadDir(dir)
}

// lookup resolves name starting at the root. Missing entries result in os.ErrNotExist.
func (fs *Fs) lookup(name string) (*Entry, error) {
	p := cleanPath(name)
	e := fs.vol.Root()
	if p == "/" {
		return e, nil
	}

	for _, part := range strings.Split(p[1:], "/") {
		if !e.IsDir() {
			return nil, checkpoint.Wrap(syscall.ENOTDIR, ErrNotADirectory)
		}
		if err := fs.load(e); err != nil {
			return nil, err
		}

		child := e.Child(part)
		if child == nil {
			return nil, checkpoint.Wrap(os.ErrNotExist, ErrNoSuchEntry)
		}
		e = child
	}
	return e, nil
}

// lookupParent resolves the directory which contains name and returns it together with the base
// name.
func (fs *Fs) lookupParent(name string) (*Entry, string, error) {
	p := cleanPath(name)
	if p == "/" {
		return nil, "", checkpoint.Wrapf(nil, ErrInvalidName, "the root has no parent")
	}

	dir, err := fs.lookup(path.Dir(p))
	if err != nil {
		return nil, "", err
	}
	if !dir.IsDir() {
		return nil, "", checkpoint.Wrap(syscall.ENOTDIR, ErrNotADirectory)
	}
	if err := fs.load(dir); err != nil {
		return nil, "", err
	}
	return dir, path.Base(p), nil
}

func (fs *Fs) Create(name string) (afero.File, error) {
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

func (fs *Fs) Mkdir(name string, perm os.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.mkdir(name, perm); err != nil {
		return &os.PathError{Op: "mkdir", Path: name, Err: err}
	}
	return nil
}

func (fs *Fs) mkdir(name string, perm os.FileMode) error {
	dir, base, err := fs.lookupParent(name)
	if err != nil {
		return err
	}
	if dir.Child(base) != nil {
		return os.ErrExist
	}

	e := &Entry{Name: base, Type: TypeDir}
	if err := fs.vol.NewEntry(e); err != nil {
		return err
	}
	dir.AddChild(e)
	if err := fs.vol.MakeDir(e); err != nil {
		dir.RemoveChild(e)
		return err
	}
	if perm&0200 == 0 {
		e.SetAttributes(e.Attributes() | AttrReadOnly)
	}

	if err := fs.vol.WriteDir(dir); err != nil {
		dir.RemoveChild(e)
		if rmErr := fs.vol.RemoveDir(e); rmErr != nil {
			glog.Errorf("Could not clean up directory %q: %v", name, rmErr)
		}
		return err
	}
	return nil
}

func (fs *Fs) MkdirAll(p string, perm os.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	current := ""
	for _, part := range strings.Split(cleanPath(p)[1:], "/") {
		if part == "" {
			continue
		}
		current += "/" + part

		e, err := fs.lookup(current)
		if err == nil {
			if !e.IsDir() {
				return &os.PathError{Op: "mkdir", Path: current, Err: checkpoint.Wrap(syscall.ENOTDIR, ErrNotADirectory)}
			}
			continue
		}
		if !errors.Is(err, os.ErrNotExist) {
			return &os.PathError{Op: "mkdir", Path: current, Err: err}
		}

		if err := fs.mkdir(current, perm); err != nil {
			return &os.PathError{Op: "mkdir", Path: current, Err: err}
		}
	}
	return nil
}

func (fs *Fs) Open(name string) (afero.File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

func (fs *Fs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := fs.openFile(name, flag, perm)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: name, Err: err}
	}
	return f, nil
}

func (fs *Fs) openFile(name string, flag int, perm os.FileMode) (*File, error) {
	writable := flag&(os.O_WRONLY|os.O_RDWR) != 0

	e, err := fs.lookup(name)
	switch {
	case err == nil:
		if flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0 {
			return nil, os.ErrExist
		}
		if e.IsDir() && writable {
			return nil, checkpoint.Wrap(syscall.EISDIR, ErrNotAFile)
		}
		if writable && e.Attributes()&AttrReadOnly != 0 {
			return nil, checkpoint.Wrap(os.ErrPermission, ErrReadOnly)
		}
		if flag&os.O_TRUNC != 0 && writable && e.Size > 0 {
			if err := fs.vol.SetBlocks(e, 0); err != nil {
				return nil, err
			}
			e.Size = 0
			if err := fs.vol.Timestamp(e); err != nil {
				return nil, err
			}
			if err := fs.vol.WriteDir(e.Parent); err != nil {
				return nil, err
			}
		}

	case errors.Is(err, os.ErrNotExist) && flag&os.O_CREATE != 0:
		if e, err = fs.create(name, perm); err != nil {
			return nil, err
		}

	default:
		return nil, err
	}

	return &File{
		fs:    fs,
		entry: e,
		name:  name,
		flag:  flag,
	}, nil
}

// create adds a new, empty file.
func (fs *Fs) create(name string, perm os.FileMode) (*Entry, error) {
	dir, base, err := fs.lookupParent(name)
	if err != nil {
		return nil, err
	}

	e := &Entry{Name: base, Type: TypeFile}
	if err := fs.vol.NewEntry(e); err != nil {
		return nil, err
	}
	dir.AddChild(e)
	if err := fs.vol.CreateFile(e); err != nil {
		dir.RemoveChild(e)
		return nil, err
	}
	if perm&0200 == 0 {
		e.SetAttributes(e.Attributes() | AttrReadOnly)
	}

	if err := fs.vol.WriteDir(dir); err != nil {
		dir.RemoveChild(e)
		return nil, err
	}
	return e, nil
}

func (fs *Fs) Remove(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	e, err := fs.lookup(name)
	if err == nil {
		err = fs.remove(e)
	}
	if err != nil {
		return &os.PathError{Op: "remove", Path: name, Err: err}
	}
	return nil
}

// remove deletes a file or an empty directory and drops it from its parent.
func (fs *Fs) remove(e *Entry) error {
	parent := e.Parent
	if parent == nil {
		return checkpoint.Wrapf(nil, ErrRange, "cannot remove the root directory")
	}

	if e.IsDir() {
		if err := fs.vol.RemoveDir(e); err != nil {
			return err
		}
	} else if err := fs.vol.DeleteFile(e); err != nil {
		return err
	}

	parent.RemoveChild(e)
	if err := fs.vol.WriteDir(parent); err != nil {
		return err
	}
	return fs.vol.InactiveEntry(e)
}

func (fs *Fs) RemoveAll(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	e, err := fs.lookup(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err == nil {
		err = fs.removeAll(e)
	}
	if err != nil {
		return &os.PathError{Op: "removeall", Path: p, Err: err}
	}
	return nil
}

func (fs *Fs) removeAll(e *Entry) error {
	if e.IsDir() {
		if err := fs.load(e); err != nil {
			return err
		}
		children := append([]*Entry(nil), e.Children...)
		for _, child := range children {
			if err := fs.removeAll(child); err != nil {
				return err
			}
		}
	}
	if e.Parent == nil {
		// The root stays, only its content is removed.
		return nil
	}
	return fs.remove(e)
}

func (fs *Fs) Rename(oldname, newname string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.rename(oldname, newname); err != nil {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: err}
	}
	return nil
}

func (fs *Fs) rename(oldname, newname string) error {
	e, err := fs.lookup(oldname)
	if err != nil {
		return err
	}
	oldDir := e.Parent
	if oldDir == nil {
		return checkpoint.Wrapf(nil, ErrRange, "cannot move the root directory")
	}

	newDir, base, err := fs.lookupParent(newname)
	if err != nil {
		return err
	}
	for d := newDir; d != nil; d = d.Parent {
		if d == e {
			return checkpoint.Wrapf(nil, ErrRange, "cannot move %q into itself", oldname)
		}
	}

	if existing := newDir.Child(base); existing != nil && existing != e {
		if existing.IsDir() || e.IsDir() {
			return os.ErrExist
		}
		if err := fs.remove(existing); err != nil {
			return err
		}
	}

	oldName := e.Name
	oldDir.RemoveChild(e)
	e.Name = base
	newDir.AddChild(e)

	if err := fs.vol.FileMoved(e); err != nil {
		newDir.RemoveChild(e)
		e.Name = oldName
		oldDir.AddChild(e)
		return err
	}

	if err := fs.vol.WriteDir(newDir); err != nil {
		return err
	}
	if oldDir != newDir {
		return fs.vol.WriteDir(oldDir)
	}
	return nil
}

func (fs *Fs) Stat(name string) (os.FileInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	e, err := fs.lookup(name)
	if err != nil {
		return nil, &os.PathError{Op: "stat", Path: name, Err: err}
	}
	return e.FileInfo(), nil
}

func (fs *Fs) Name() string {
	return "fatengine"
}

// Chmod maps the write permission of the owner to the read-only attribute. All other bits are
// ignored.
func (fs *Fs) Chmod(name string, mode os.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	err := fs.update(name, func(e *Entry) {
		attr := e.Attributes() &^ AttrReadOnly
		if mode&0200 == 0 {
			attr |= AttrReadOnly
		}
		e.SetAttributes(attr)
	})
	if err != nil {
		return &os.PathError{Op: "chmod", Path: name, Err: err}
	}
	return nil
}

// Chown is not supported, FAT has no owners.
func (fs *Fs) Chown(name string, uid, gid int) error {
	return &os.PathError{Op: "chown", Path: name, Err: errors.ErrUnsupported}
}

func (fs *Fs) Chtimes(name string, atime time.Time, mtime time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	err := fs.update(name, func(e *Entry) {
		e.Accessed = atime
		e.Modified = mtime
	})
	if err != nil {
		return &os.PathError{Op: "chtimes", Path: name, Err: err}
	}
	return nil
}

// update changes the entry of name and persists it in its parent directory.
func (fs *Fs) update(name string, change func(e *Entry)) error {
	e, err := fs.lookup(name)
	if err != nil {
		return err
	}
	if e.Parent == nil {
		return checkpoint.Wrapf(nil, ErrRange, "the root directory has no directory entry")
	}
	if err := fs.vol.checkWritable(); err != nil {
		return err
	}

	change(e)
	return fs.vol.WriteDir(e.Parent)
}
