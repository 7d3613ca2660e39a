package fatengine

import (
	"io/fs"

	"github.com/aligator/fatengine/block"
)

type GoDirEntry struct {
	fs.FileInfo
}

func (g GoDirEntry) Type() fs.FileMode {
	return g.FileInfo.Mode().Type()
}

func (g GoDirEntry) Info() (fs.FileInfo, error) {
	return g.FileInfo, nil
}

type GoFile struct {
	*File
}

func (g GoFile) ReadDir(n int) ([]fs.DirEntry, error) {
	entries, err := g.File.Readdir(n)

	goEntries := make([]fs.DirEntry, len(entries))
	for i, e := range entries {
		goEntries[i] = GoDirEntry{e}
	}

	return goEntries, err
}

// GoFs just wraps the afero FAT implementation to be compatible with fs.FS.
type GoFs struct {
	*Fs
}

var _ fs.ReadDirFile = GoFile{}

// NewGoFS mounts the FAT volume on dev read-only as fs.FS compatible filesystem.
func NewGoFS(dev block.Device) (*GoFs, error) {
	afs, err := New(dev, MountOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}

	return &GoFs{afs}, nil
}

func (g GoFs) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}

	g.Fs.mu.Lock()
	defer g.Fs.mu.Unlock()

	f, err := g.Fs.openFile(name, 0, 0)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return GoFile{f}, nil
}
