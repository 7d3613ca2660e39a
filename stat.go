package fatengine

import (
	"os"
	"time"
)

// FileInfo returns an os.FileInfo describing e.
func (e *Entry) FileInfo() os.FileInfo {
	return entryFileInfo{
		name:     e.Name,
		size:     e.Size,
		dir:      e.IsDir(),
		attr:     e.Attributes(),
		modified: e.Modified,
		entry:    e,
	}
}

// entryFileInfo is a snapshot of an Entry. The Sys value is the *Entry itself.
type entryFileInfo struct {
	name     string
	size     uint32
	dir      bool
	attr     byte
	modified time.Time
	entry    *Entry
}

func (e entryFileInfo) Name() string {
	if e.name == "" {
		return "/"
	}
	return e.name
}

func (e entryFileInfo) Size() int64 {
	return int64(e.size)
}

func (e entryFileInfo) Mode() os.FileMode {
	var mode os.FileMode = 0644
	if e.dir {
		mode = os.ModeDir | 0755
	}
	if e.attr&AttrReadOnly != 0 {
		mode &^= 0222
	}
	return mode
}

func (e entryFileInfo) ModTime() time.Time {
	return e.modified
}

func (e entryFileInfo) IsDir() bool {
	return e.dir
}

func (e entryFileInfo) Sys() interface{} {
	return e.entry
}
