package fatengine

import (
	"time"
)

const maxFileSize = 0xFFFFFFFF

// EntryType distinguishes the nodes of the entry tree.
type EntryType int

const (
	TypeFile EntryType = iota
	TypeDir
	TypeLink
)

// Entry is a node of the file tree which is kept in memory while a volume is mounted.
// The FAT specific state of an entry is attached by NewEntry and dropped by InactiveEntry.
//
// Sizes and timestamps are only written to disk by WriteDir of the parent directory.
type Entry struct {
	Name string
	Type EntryType

	// Size is the size of a file in bytes. For directories it is the size of their chain.
	Size uint32

	// Blocks is the number of clusters in the chain of the entry.
	Blocks uint32

	Created  time.Time
	Modified time.Time
	Accessed time.Time

	Parent   *Entry
	Children []*Entry

	data *entryData
}

// entryData is the FAT private part of an Entry.
type entryData struct {
	// shortAlias is stored as on disk, a leading 0xE5 character is stored as 0x05.
	shortAlias   [11]byte
	attributes   byte
	reserved     byte
	timeTenth    byte
	startCluster uint32

	// loaded is set once the children of a directory were read from disk.
	loaded bool
}

// IsDir reports whether e is a directory.
func (e *Entry) IsDir() bool {
	return e.Type == TypeDir
}

// Attributes returns the FAT attribute byte of e or 0 if e is not attached to a volume.
func (e *Entry) Attributes() byte {
	if e.data == nil {
		return 0
	}
	return e.data.attributes
}

// SetAttributes replaces the attributes which may be changed by users. The directory and volume
// label bits are kept.
func (e *Entry) SetAttributes(attr byte) {
	if e.data == nil {
		return
	}
	const fixed = AttrDirectory | AttrVolumeID
	e.data.attributes = e.data.attributes&fixed | attr&^fixed
}

// ShortName returns the 8.3 alias of e as it is displayed, for example "REPORT~1.TXT".
func (e *Entry) ShortName() string {
	if e.data == nil {
		return ""
	}
	return shortDisplayName(e.data.shortAlias[:], false)
}

// StartCluster returns the first cluster of the chain of e, 0 for an empty chain.
func (e *Entry) StartCluster() uint32 {
	if e.data == nil {
		return 0
	}
	return e.data.startCluster
}

// Loaded reports whether the children of a directory have been read.
func (e *Entry) Loaded() bool {
	return e.data != nil && e.data.loaded
}

// Child returns the child with the given name. Names are compared case-insensitively like
// FAT does.
func (e *Entry) Child(name string) *Entry {
	for _, c := range e.Children {
		if equalFold(c.Name, name) {
			return c
		}
	}
	return nil
}

// AddChild links c into e.
func (e *Entry) AddChild(c *Entry) {
	c.Parent = e
	e.Children = append(e.Children, c)
}

// RemoveChild unlinks c from e. It returns false if c is no child of e.
func (e *Entry) RemoveChild(c *Entry) bool {
	for i, child := range e.Children {
		if child == c {
			e.Children = append(e.Children[:i], e.Children[i+1:]...)
			c.Parent = nil
			return true
		}
	}
	return false
}

// Path returns the slash separated path of e relative to the root.
func (e *Entry) Path() string {
	if e.Parent == nil {
		return "/"
	}
	if e.Parent.Parent == nil {
		return "/" + e.Name
	}
	return e.Parent.Path() + "/" + e.Name
}
