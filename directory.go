package fatengine

import (
	"github.com/aligator/fatengine/checkpoint"
	"github.com/golang/glog"
)

// isRoot reports whether dir is the root directory of the volume.
func (v *Volume) isRoot(dir *Entry) bool {
	return dir == v.root
}

// fixedRoot reports whether dir is the FAT12/16 root directory, which lives in its own region
// instead of a cluster chain.
func (v *Volume) fixedRoot(dir *Entry) bool {
	return v.isRoot(dir) && v.fsType != FAT32
}

// readDirData reads the raw content of a directory.
func (v *Volume) readDirData(dir *Entry) ([]byte, error) {
	if v.fixedRoot(dir) {
		buf := make([]byte, v.rootDirSectors*v.sectorSize)
		start := uint64(v.reservedSectors) + uint64(v.numFATs)*uint64(v.fatSectors)
		if err := v.readSectors(start, v.rootDirSectors, buf); err != nil {
			return nil, err
		}
		return buf[:v.rootEntries*dirEntrySize], nil
	}

	length, err := v.chainLength(dir.data.startCluster)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length*v.clusterBytes)
	if err := v.readChain(dir.data.startCluster, 0, length, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// scanDirectory turns the raw content of dir into child entries. Deleted entries, "." and ".."
// are skipped. The volume label of the root directory is remembered but never becomes an entry.
func (v *Volume) scanDirectory(dir *Entry, buf []byte) error {
	root := v.isRoot(dir)
	dir.Children = nil

	for i := 0; i+dirEntrySize <= len(buf); i += dirEntrySize {
		raw := buf[i : i+dirEntrySize]
		if raw[0] == entryEnd {
			break
		}
		if raw[0] == entryDeleted || isLongName(raw) {
			continue
		}

		s := decodeShortEntry(raw)
		if s.attributes&AttrVolumeID != 0 {
			if root {
				v.labelEntry = append([]byte(nil), raw...)
				v.label = labelString(s.name[:])
			}
			continue
		}
		if isDotEntry(s.name[:]) {
			continue
		}

		name := longNameBefore(buf, i, shortChecksum(s.name[:]))
		if name == "" {
			name = shortDisplayName(s.name[:], true)
		}

		child := &Entry{
			Name:     name,
			Type:     TypeFile,
			Created:  parseTimestamp(s.createDate, s.createTime, s.createTenth),
			Modified: parseTimestamp(s.writeDate, s.writeTime, 0),
			Accessed: ParseDate(s.accessDate),
			data: &entryData{
				shortAlias:   s.name,
				attributes:   s.attributes,
				reserved:     s.reserved,
				timeTenth:    s.createTenth,
				startCluster: s.startCluster,
			},
		}
		if v.fsType != FAT32 {
			child.data.startCluster &= 0xFFFF
		}

		if s.attributes&AttrDirectory != 0 {
			child.Type = TypeDir
			if err := v.updateBlocks(child); err != nil {
				return checkpoint.Wrapf(err, ErrBadData, "directory %q", name)
			}
		} else {
			child.Size = s.size
			child.Blocks = v.clustersFor(s.size)
		}

		dir.AddChild(child)
	}

	glog.V(2).Infof("Scanned %d entries of %q", len(dir.Children), dir.Path())
	return nil
}

// fillDirectory serializes the children of dir. Every entry gets long name fragments followed by
// its short entry. Directories other than the root start with "." and "..". The result always
// ends with an empty entry.
func (v *Volume) fillDirectory(dir *Entry) ([]byte, error) {
	var out []byte

	if !v.isRoot(dir) {
		dot := v.shortEntryOf(dir)
		dot.name = dotName(1)
		dot.size = 0

		dotdot := dot
		dotdot.name = dotName(2)
		dotdot.startCluster = 0
		if dir.Parent != nil && !v.isRoot(dir.Parent) && dir.Parent.data != nil {
			dotdot.startCluster = dir.Parent.data.startCluster
		}

		raw := make([]byte, 2*dirEntrySize)
		dot.encode(raw[:dirEntrySize])
		dotdot.encode(raw[dirEntrySize:])
		out = append(out, raw...)
	}

	for _, child := range dir.Children {
		if child.Name == "." || child.Name == ".." {
			continue
		}
		if child.data == nil {
			return nil, checkpoint.Wrapf(nil, ErrNoSuchEntry, "%q has no FAT data", child.Name)
		}

		s := v.shortEntryOf(child)
		if len(child.Name) > 0 {
			lfn, err := longNameEntries(child.Name, shortChecksum(s.name[:]))
			if err != nil {
				return nil, checkpoint.Wrapf(err, ErrInvalidName, "%q", child.Name)
			}
			out = append(out, lfn...)
		}

		raw := make([]byte, dirEntrySize)
		s.encode(raw)
		out = append(out, raw...)
	}

	if v.isRoot(dir) && v.labelEntry != nil {
		out = append(out, v.labelEntry...)
	}

	return append(out, make([]byte, dirEntrySize)...), nil
}

// shortEntryOf builds the short directory entry of e.
func (v *Volume) shortEntryOf(e *Entry) shortEntry {
	d := e.data
	s := shortEntry{
		name:         d.shortAlias,
		attributes:   d.attributes,
		reserved:     d.reserved,
		createTenth:  formatTenth(e.Created),
		createTime:   FormatTime(e.Created),
		createDate:   FormatDate(e.Created),
		accessDate:   FormatDate(e.Accessed),
		writeTime:    FormatTime(e.Modified),
		writeDate:    FormatDate(e.Modified),
		startCluster: d.startCluster,
	}
	if e.Type == TypeDir {
		s.attributes |= AttrDirectory
	} else {
		s.size = e.Size
	}
	if v.fsType != FAT32 {
		s.startCluster &= 0xFFFF
	}
	return s
}

func dotName(dots int) [11]byte {
	var name [11]byte
	for i := range name {
		name[i] = ' '
	}
	for i := 0; i < dots; i++ {
		name[i] = '.'
	}
	return name
}

// writeDirData stores the serialized content of dir. Directories in a cluster chain grow or
// shrink to the clusters needed, the FAT12/16 root must fit into its fixed region.
func (v *Volume) writeDirData(dir *Entry, content []byte) error {
	if v.fixedRoot(dir) {
		capacity := int(v.rootEntries * dirEntrySize)
		if len(content)-dirEntrySize > capacity {
			return checkpoint.Wrapf(nil, ErrNoFree, "root directory needs %d of %d bytes", len(content), capacity)
		}
		buf := make([]byte, v.rootDirSectors*v.sectorSize)
		copy(buf[:capacity], content)
		start := uint64(v.reservedSectors) + uint64(v.numFATs)*uint64(v.fatSectors)
		return v.writeSectors(start, v.rootDirSectors, buf)
	}

	clusters := v.clustersFor(uint32(len(content)))
	if clusters == 0 {
		clusters = 1
	}

	length, err := v.chainLength(dir.data.startCluster)
	if err != nil {
		return err
	}
	if clusters > length {
		if err := v.lengthen(dir, clusters); err != nil {
			return err
		}
	} else if clusters < length {
		if err := v.shorten(dir, clusters); err != nil {
			return err
		}
	}

	buf := make([]byte, clusters*v.clusterBytes)
	copy(buf, content)
	if err := v.writeChain(dir.data.startCluster, 0, clusters, buf); err != nil {
		return err
	}
	return v.updateBlocks(dir)
}
