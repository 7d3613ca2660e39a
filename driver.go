package fatengine

import (
	"errors"
	"strings"
	"time"

	"github.com/aligator/fatengine/block"
	"github.com/aligator/fatengine/checkpoint"
	"github.com/golang/glog"
	"go.uber.org/multierr"
)

// MountOptions configures Mount.
type MountOptions struct {
	// ReadOnly mounts the volume without ever writing to the device.
	ReadOnly bool
}

// Mount opens the FAT volume on dev. The free cluster bitmap is built in the background; all
// operations which need it wait for it. Unless the volume is read-only it is marked dirty until
// Unmount is called.
func Mount(dev block.Device, opts MountOptions) (*Volume, error) {
	v, err := parseVolume(dev)
	if err != nil {
		return nil, err
	}
	v.state.Store(int32(Mounting))
	v.readOnly.Store(opts.ReadOnly)

	clean, err := v.isClean()
	if err != nil {
		return nil, err
	}
	if !clean {
		glog.Warningf("FAT volume was not unmounted cleanly, consider checking it")
	}

	v.root = &Entry{
		Type: TypeDir,
		data: &entryData{attributes: AttrDirectory},
	}
	if v.fsType == FAT32 {
		v.root.data.startCluster = v.fat32.RootCluster
	}

	v.startBitmapBuild()

	if err := v.loadDir(v.root); err != nil {
		v.waitBitmap()
		v.state.Store(int32(Unmounted))
		return nil, err
	}
	if v.fixedRoot(v.root) {
		v.root.Size = v.rootEntries * dirEntrySize
	}

	if !v.readOnly.Load() {
		if err := v.setClean(false); err != nil && !errors.Is(err, ErrReadOnly) {
			v.waitBitmap()
			v.state.Store(int32(Unmounted))
			return nil, err
		}
	}

	v.state.Store(int32(Mounted))
	glog.V(1).Infof("Mounted %v", v)
	return v, nil
}

// Unmount persists the FSInfo hints and marks the volume clean. The volume cannot be used
// afterwards.
func (v *Volume) Unmount() error {
	if v.State() != Mounted {
		return ErrNotMounted
	}
	v.state.Store(int32(Unmounting))
	defer v.state.Store(int32(Unmounted))

	err := v.waitBitmap()
	if v.readOnly.Load() {
		return err
	}

	if err == nil && v.fsType == FAT32 {
		v.mu.Lock()
		next := v.findRun(1).first
		v.mu.Unlock()
		if next == 0 {
			next = fsInfoUnknown
		}
		err = multierr.Append(err, v.writeFSInfo(next))
	}
	err = multierr.Append(err, v.setClean(true))

	glog.V(1).Infof("Unmounted %v", v)
	return err
}

func (v *Volume) checkMounted() error {
	if v.State() != Mounted {
		return ErrNotMounted
	}
	return nil
}

func (v *Volume) checkWritable() error {
	if err := v.checkMounted(); err != nil {
		return err
	}
	if v.readOnly.Load() {
		return ErrReadOnly
	}
	return nil
}

func checkEntry(e *Entry, typ EntryType) error {
	if e == nil || e.data == nil {
		return ErrNoSuchEntry
	}
	if e.Type != typ {
		if typ == TypeDir {
			return checkpoint.Wrapf(nil, ErrNotADirectory, "%q", e.Name)
		}
		return checkpoint.Wrapf(nil, ErrNotAFile, "%q", e.Name)
	}
	return nil
}

// validateName checks a long name. Characters which are not allowed in short names are fine.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return checkpoint.Wrapf(nil, ErrInvalidName, "%q", name)
	}
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(`"*/:<>?\|`, r) {
			return checkpoint.Wrapf(nil, ErrInvalidName, "%q contains %q", name, r)
		}
	}
	encoded, err := utf16Codec.NewEncoder().String(name)
	if err != nil {
		return checkpoint.Wrap(err, ErrInvalidName)
	}
	if len(encoded)/2 > maxNameUnits {
		return checkpoint.Wrapf(nil, ErrInvalidName, "%q is longer than %d characters", name, maxNameUnits)
	}
	return nil
}

// NewEntry attaches the FAT specific data to e. It has to be called for every entry which is
// created outside of ReadDir before it is passed to any other method.
func (v *Volume) NewEntry(e *Entry) error {
	if e == nil {
		return ErrNoSuchEntry
	}
	e.data = &entryData{}
	if e.Type == TypeDir {
		e.data.attributes = AttrDirectory
	}
	return nil
}

// InactiveEntry drops the FAT specific data of e.
func (v *Volume) InactiveEntry(e *Entry) error {
	if e == nil || e.data == nil {
		return ErrNoSuchEntry
	}
	e.data = nil
	return nil
}

// ReadFile reads blocks clusters of file e into buf, starting with cluster startBlock.
func (v *Volume) ReadFile(e *Entry, startBlock, blocks uint32, buf []byte) error {
	if err := v.checkMounted(); err != nil {
		return err
	}
	if err := checkEntry(e, TypeFile); err != nil {
		return err
	}
	if blocks == 0 {
		return nil
	}
	return v.readChain(e.data.startCluster, startBlock, blocks, buf)
}

// WriteFile writes blocks clusters from buf into file e, starting with cluster startBlock. The
// chain of the file is extended if necessary, which sets Size to the size of the whole chain.
// Callers adjust Size afterwards and persist it with WriteDir of the parent.
func (v *Volume) WriteFile(e *Entry, startBlock, blocks uint32, buf []byte) error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	if err := checkEntry(e, TypeFile); err != nil {
		return err
	}
	if blocks == 0 {
		return nil
	}

	length, err := v.chainLength(e.data.startCluster)
	if err != nil {
		return err
	}
	if need := startBlock + blocks; need > length {
		if err := v.lengthen(e, need); err != nil {
			return err
		}
	}
	return v.writeChain(e.data.startCluster, startBlock, blocks, buf)
}

// CreateFile prepares the new file e, which must already be a child of its parent directory.
// It generates the short alias and the attributes. The parent has to be written afterwards.
func (v *Volume) CreateFile(e *Entry) error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	if err := checkEntry(e, TypeFile); err != nil {
		return err
	}
	if e.Parent == nil {
		return checkpoint.Wrapf(nil, ErrNoSuchEntry, "%q has no parent", e.Name)
	}
	if err := validateName(e.Name); err != nil {
		return err
	}
	if err := makeShortAlias(e.Parent, e); err != nil {
		return err
	}

	e.data.attributes = AttrArchive
	e.data.startCluster = 0
	e.Size = 0
	e.Blocks = 0
	initTimes(e)
	return nil
}

// DeleteFile releases the clusters of e. It refuses to touch a file whose chain does not match
// its size.
func (v *Volume) DeleteFile(e *Entry) error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	if err := checkEntry(e, TypeFile); err != nil {
		return err
	}
	if err := v.checkFileChain(e); err != nil {
		return err
	}

	if e.data.startCluster != 0 {
		if _, err := v.release(e.data.startCluster); err != nil {
			return err
		}
	}
	e.data.startCluster = 0
	e.Blocks = 0
	e.Size = 0
	return nil
}

// FileMoved generates a new short alias for e after it was renamed or moved to another
// directory. Moved directories also get their ".." entry rewritten.
func (v *Volume) FileMoved(e *Entry) error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	if e == nil || e.data == nil {
		return ErrNoSuchEntry
	}
	if e.Parent == nil {
		return checkpoint.Wrapf(nil, ErrNoSuchEntry, "%q has no parent", e.Name)
	}
	if err := validateName(e.Name); err != nil {
		return err
	}
	if err := makeShortAlias(e.Parent, e); err != nil {
		return err
	}

	if e.Type == TypeDir {
		if !e.data.loaded {
			if err := v.loadDir(e); err != nil {
				return err
			}
		}
		return v.writeDir(e)
	}
	return nil
}

// ReadDir reads the children of dir from disk, replacing dir.Children.
func (v *Volume) ReadDir(dir *Entry) error {
	if err := v.checkMounted(); err != nil {
		return err
	}
	if err := checkEntry(dir, TypeDir); err != nil {
		return err
	}
	return v.loadDir(dir)
}

func (v *Volume) loadDir(dir *Entry) error {
	buf, err := v.readDirData(dir)
	if err != nil {
		return err
	}
	if err := v.scanDirectory(dir, buf); err != nil {
		return err
	}
	dir.data.loaded = true

	if !v.fixedRoot(dir) {
		return v.updateBlocks(dir)
	}
	return nil
}

// WriteDir stores the children of dir on disk.
func (v *Volume) WriteDir(dir *Entry) error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	if err := checkEntry(dir, TypeDir); err != nil {
		return err
	}
	return v.writeDir(dir)
}

func (v *Volume) writeDir(dir *Entry) error {
	// "." needs the start cluster, so a new directory gets its first cluster before filling.
	if !v.fixedRoot(dir) && dir.data.startCluster == 0 {
		if err := v.lengthen(dir, 1); err != nil {
			return err
		}
	}

	content, err := v.fillDirectory(dir)
	if err != nil {
		return err
	}
	return v.writeDirData(dir, content)
}

// MakeDir creates the on-disk part of the new directory dir, which must already be a child of
// its parent. The parent has to be written afterwards.
func (v *Volume) MakeDir(dir *Entry) error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	if err := checkEntry(dir, TypeDir); err != nil {
		return err
	}
	if dir.Parent == nil {
		return checkpoint.Wrapf(nil, ErrNoSuchEntry, "%q has no parent", dir.Name)
	}
	if err := validateName(dir.Name); err != nil {
		return err
	}
	if err := makeShortAlias(dir.Parent, dir); err != nil {
		return err
	}

	dir.data.attributes = AttrDirectory
	dir.data.startCluster = 0
	dir.data.loaded = true
	dir.Children = nil
	initTimes(dir)

	if err := v.writeDir(dir); err != nil {
		if dir.data.startCluster != 0 {
			if _, relErr := v.release(dir.data.startCluster); relErr != nil {
				glog.Errorf("Could not release the cluster of %q: %v", dir.Name, relErr)
			}
			dir.data.startCluster = 0
		}
		return err
	}
	return nil
}

// RemoveDir releases the clusters of the empty directory dir.
func (v *Volume) RemoveDir(dir *Entry) error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	if err := checkEntry(dir, TypeDir); err != nil {
		return err
	}
	if v.isRoot(dir) {
		return checkpoint.Wrapf(nil, ErrRange, "cannot remove the root directory")
	}

	if !dir.data.loaded {
		if err := v.loadDir(dir); err != nil {
			return err
		}
	}
	if len(dir.Children) > 0 {
		return checkpoint.Wrapf(nil, ErrNotEmpty, "%q has %d entries", dir.Name, len(dir.Children))
	}

	if dir.data.startCluster != 0 {
		if _, err := v.release(dir.data.startCluster); err != nil {
			return err
		}
	}
	dir.data.startCluster = 0
	dir.Blocks = 0
	dir.Size = 0
	return nil
}

// Timestamp sets the modification and access time of e to now. It is persisted by WriteDir of
// the parent.
func (v *Volume) Timestamp(e *Entry) error {
	if err := v.checkMounted(); err != nil {
		return err
	}
	if e == nil || e.data == nil {
		return ErrNoSuchEntry
	}

	now := time.Now()
	e.Modified = now
	e.Accessed = now
	return nil
}

// SetBlocks grows or shrinks the chain of file e to blocks clusters.
func (v *Volume) SetBlocks(e *Entry, blocks uint32) error {
	if err := v.checkWritable(); err != nil {
		return err
	}
	if err := checkEntry(e, TypeFile); err != nil {
		return err
	}
	if err := v.checkFileChain(e); err != nil {
		return err
	}

	length, err := v.chainLength(e.data.startCluster)
	if err != nil {
		return err
	}
	if blocks > length {
		return v.lengthen(e, blocks)
	} else if blocks < length {
		return v.shorten(e, blocks)
	}
	return nil
}

func initTimes(e *Entry) {
	now := time.Now()
	if e.Created.IsZero() {
		e.Created = now
	}
	if e.Modified.IsZero() {
		e.Modified = now
	}
	if e.Accessed.IsZero() {
		e.Accessed = now
	}
}
