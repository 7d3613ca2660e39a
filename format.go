package fatengine

import (
	"bytes"
	"encoding/binary"
	"strings"
	"time"

	"github.com/aligator/fatengine/block"
	"github.com/aligator/fatengine/checkpoint"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// FormatOptions configures Format.
type FormatOptions struct {
	// Type selects the FAT variant. FSTypeAuto chooses it by the size of the device.
	Type FSType

	// Label is the volume label, at most 11 characters. It is stored in the boot sector and as a
	// label entry in the root directory.
	Label string

	// Long zero fills the whole device instead of only the system area.
	Long bool

	// OEMName is stored in the boot sector. It defaults to "MSWIN4.1".
	OEMName string
}

// clusterSizeRow is one row of the Microsoft sectors per cluster tables. Sizes are counted in
// 512 byte sectors, a cluster size of 0 marks an invalid volume size.
type clusterSizeRow struct {
	sectors           uint64
	sectorsPerCluster uint32
}

var fat16ClusterSizes = []clusterSizeRow{
	{8400, 0},
	{32680, 2},
	{262144, 4},
	{524288, 8},
	{1048576, 16},
	{2097152, 32},
	{4194304, 64},
	{0xFFFFFFFF, 0},
}

var fat32ClusterSizes = []clusterSizeRow{
	{66600, 0},
	{532480, 1},
	{16777216, 8},
	{33554432, 16},
	{67108864, 32},
	{0xFFFFFFFF, 64},
}

const (
	// Volumes up to this size, in 512 byte sectors, are formatted as FAT12 by default.
	autoFAT12Limit = 8400
	// Volumes up to this size, in 512 byte sectors, are formatted as FAT16 by default.
	autoFAT16Limit = 1048576

	// Volumes up to the size of a 2.88MB floppy get floppy parameters.
	floppyLimit = 5760

	// zeroChunk is the size of a single zero fill or move transfer.
	zeroChunk = 1024 * 1024
)

// Detect reports whether dev holds a FAT volume. It only looks at the boot sector and never
// writes to the device.
func Detect(dev block.Device) (bool, error) {
	ss := dev.SectorSize()
	if ss < 512 || dev.Sectors() == 0 {
		return false, nil
	}

	buf := make([]byte, ss)
	if err := dev.ReadSectors(0, 1, buf); err != nil {
		return false, err
	}
	if buf[bootSignatureOffset] != 0x55 || buf[bootSignatureOffset+1] != 0xAA {
		return false, nil
	}

	var bs bootSector
	if err := unpack(buf, &bs); err != nil {
		return false, nil
	}
	if !legalSectorSize(bs.BytesPerSector) || int(bs.BytesPerSector) != ss || !legalMedia(bs.Media) {
		return false, nil
	}
	if bytes.HasPrefix(bs.OEMName[:], []byte("NTFS")) {
		return false, nil
	}

	var fat16 fat16Specific
	var fat32 fat32Specific
	if err := unpack(bs.Specific[:], &fat16); err != nil {
		return false, nil
	}
	if err := unpack(bs.Specific[:], &fat32); err != nil {
		return false, nil
	}
	if !bytes.Contains(fat16.FileSystemType[:], []byte("FAT")) && !bytes.Contains(fat32.FileSystemType[:], []byte("FAT")) {
		return false, nil
	}
	return true, nil
}

// Clobber destroys the FAT signature of dev, so Detect does not recognize it anymore.
// The FAT32 backup boot sector is destroyed as well.
func Clobber(dev block.Device) error {
	ss := dev.SectorSize()
	buf := make([]byte, ss)
	if err := dev.ReadSectors(0, 1, buf); err != nil {
		return err
	}

	var bs bootSector
	var fat32 fat32Specific
	backup := uint64(0)
	if err := unpack(buf, &bs); err == nil && bs.FATSize16 == 0 {
		if err := unpack(bs.Specific[:], &fat32); err == nil &&
			fat32.BkBootSector != 0 && fat32.BkBootSector < bs.ReservedSectorCount {
			backup = uint64(fat32.BkBootSector)
		}
	}

	clobber := func(sector uint64) error {
		data := make([]byte, ss)
		if err := dev.ReadSectors(sector, 1, data); err != nil {
			return err
		}
		for i := 3; i < bootSectorSize; i++ {
			data[i] = 0
		}
		data[bootSignatureOffset] = 0
		data[bootSignatureOffset+1] = 0
		return dev.WriteSectors(sector, 1, data)
	}

	err := clobber(0)
	if backup != 0 {
		err = multierr.Append(err, clobber(backup))
	}
	return err
}

// formatLayout holds the geometry chosen by Format.
type formatLayout struct {
	fsType            FSType
	sectorsPerCluster uint32
	reservedSectors   uint32
	rootEntries       uint32
	fatSectors        uint32
	clusters          uint32
	media             byte
}

// planFormat chooses the geometry of a new volume of total sectors of ss bytes.
func planFormat(total uint64, ss uint32, typ FSType) (formatLayout, error) {
	units := total * uint64(ss) / 512
	if typ == FSTypeAuto {
		switch {
		case units <= autoFAT12Limit:
			typ = FAT12
		case units <= autoFAT16Limit:
			typ = FAT16
		default:
			typ = FAT32
		}
	}

	l := formatLayout{fsType: typ, media: 0xF8, reservedSectors: 1}
	switch typ {
	case FAT12:
		l.rootEntries = 512
		if units <= floppyLimit {
			l.rootEntries = 224
			l.media = 0xF0
		}
	case FAT16:
		l.rootEntries = 512
	case FAT32:
		l.reservedSectors = 32
	default:
		return l, checkpoint.Wrapf(nil, ErrRange, "unknown FAT type %d", typ)
	}
	rootDirSectors := (l.rootEntries*dirEntrySize + ss - 1) / ss

	if typ == FAT12 {
		for spc := uint32(1); spc*ss <= 32768; spc *= 2 {
			l.sectorsPerCluster = spc
			l.fatSectors, l.clusters = fatSize(total, ss, spc, l.reservedSectors, 2, rootDirSectors, typ)
			if l.clusters <= maxClustersFAT12 {
				break
			}
		}
	} else {
		table := fat16ClusterSizes
		if typ == FAT32 {
			table = fat32ClusterSizes
		}
		for _, row := range table {
			if units <= row.sectors {
				l.sectorsPerCluster = row.sectorsPerCluster
				break
			}
		}
		if l.sectorsPerCluster == 0 {
			return l, checkpoint.Wrapf(nil, ErrBounds, "%d sectors are not supported by %v", total, typ)
		}
		// The tables assume 512 byte sectors.
		if l.sectorsPerCluster = l.sectorsPerCluster * 512 / ss; l.sectorsPerCluster == 0 {
			l.sectorsPerCluster = 1
		}
		l.fatSectors, l.clusters = fatSize(total, ss, l.sectorsPerCluster, l.reservedSectors, 2, rootDirSectors, typ)
	}

	if l.clusters == 0 || typeForClusters(l.clusters) != typ {
		return l, checkpoint.Wrapf(nil, ErrBounds, "%d clusters do not fit %v", l.clusters, typ)
	}
	return l, nil
}

// fatSize finds the smallest FAT which covers all clusters of the resulting data region.
func fatSize(total uint64, ss, spc, reserved, numFATs, rootDirSectors uint32, typ FSType) (uint32, uint32) {
	fatSectors := uint32(1)
	for {
		meta := uint64(reserved) + uint64(numFATs)*uint64(fatSectors) + uint64(rootDirSectors)
		if meta >= total {
			return fatSectors, 0
		}
		clusters := uint32((total - meta) / uint64(spc))
		need := uint32((fatBytes(typ, clusters+firstCluster) + uint64(ss) - 1) / uint64(ss))
		if need <= fatSectors {
			return fatSectors, clusters
		}
		fatSectors = need
	}
}

// Format creates a new, empty FAT volume on dev.
func Format(dev block.Device, opts FormatOptions, progress *Progress) error {
	return progress.fail(format(dev, opts, progress))
}

func format(dev block.Device, opts FormatOptions, progress *Progress) error {
	ss := uint32(dev.SectorSize())
	if !legalSectorSize(uint16(ss)) || ss > 0xFFFF {
		return checkpoint.Wrapf(nil, ErrBounds, "sector size %d", ss)
	}
	total := dev.Sectors()
	if total > 0xFFFFFFFF {
		total = 0xFFFFFFFF
	}
	if len(opts.Label) > 11 {
		return checkpoint.Wrapf(nil, ErrInvalidName, "label %q is longer than 11 characters", opts.Label)
	}

	progress.update(0, "planning")
	l, err := planFormat(total, ss, opts.Type)
	if err != nil {
		return err
	}

	v := &Volume{
		dev:               dev,
		fsType:            l.fsType,
		sectorSize:        ss,
		sectorsPerCluster: l.sectorsPerCluster,
		reservedSectors:   l.reservedSectors,
		numFATs:           2,
		rootEntries:       l.rootEntries,
		totalSectors:      uint32(total),
		fatSectors:        l.fatSectors,
		clusterBytes:      ss * l.sectorsPerCluster,
	}
	v.rootDirSectors = (v.rootEntries*dirEntrySize + ss - 1) / ss
	if err := v.computeLayout(); err != nil {
		return err
	}
	glog.V(1).Infof("Formatting %v with %d clusters of %d sectors", v.fsType, v.dataClusters, v.sectorsPerCluster)

	// Zero fill.
	end := uint64(v.firstDataSector)
	if v.fsType == FAT32 {
		end += uint64(v.sectorsPerCluster)
	}
	if opts.Long {
		end = uint64(v.totalSectors)
	}
	zero := make([]byte, zeroChunk)
	chunk := uint64(zeroChunk / ss)
	for s := uint64(0); s < end; s += chunk {
		n := chunk
		if end-s < n {
			n = end - s
		}
		if err := v.writeSectors(s, uint32(n), zero); err != nil {
			return err
		}
		progress.update(int(s*80/end), "clearing")
	}

	progress.update(80, "writing FAT")
	if err := v.setEntry(0, v.terminal&^0xFF|uint32(l.media)); err != nil {
		return err
	}
	if err := v.setEntry(1, v.terminal|0x07); err != nil {
		return err
	}

	label := strings.ToUpper(opts.Label)
	oem := opts.OEMName
	if oem == "" {
		oem = "MSWIN4.1"
	}

	v.bs = bootSector{
		BytesPerSector:      uint16(ss),
		SectorsPerCluster:   byte(v.sectorsPerCluster),
		ReservedSectorCount: uint16(v.reservedSectors),
		NumFATs:             byte(v.numFATs),
		RootEntryCount:      uint16(v.rootEntries),
		Media:               l.media,
		SectorsPerTrack:     63,
		NumberOfHeads:       255,
	}
	copy(v.bs.OEMName[:], padded(oem, 8))
	if l.media == 0xF0 {
		v.bs.SectorsPerTrack = 18
		v.bs.NumberOfHeads = 2
	}

	id := uuid.New()
	volumeID := binary.LittleEndian.Uint32(id[:4])
	labelField := padded(label, 11)
	if label == "" {
		labelField = padded("NO NAME", 11)
	}

	if v.fsType == FAT32 {
		v.bs.JumpBoot = [3]byte{0xEB, 0x58, 0x90}
		v.fat32 = fat32Specific{
			RootCluster:   firstCluster,
			FSInfo:        1,
			BkBootSector:  6,
			DriveNumber:   0x80,
			BootSignature: extBootSignature,
			VolumeID:      volumeID,
		}
		copy(v.fat32.VolumeLabel[:], labelField)
		copy(v.fat32.FileSystemType[:], "FAT32   ")

		if err := v.setEntry(firstCluster, v.terminal|0x07); err != nil {
			return err
		}
	} else {
		v.bs.JumpBoot = [3]byte{0xEB, 0x3C, 0x90}
		v.fat16 = fat16Specific{
			DriveNumber:   0x80,
			BootSignature: extBootSignature,
			VolumeID:      volumeID,
		}
		if l.media == 0xF0 {
			v.fat16.DriveNumber = 0
		}
		copy(v.fat16.VolumeLabel[:], labelField)
		copy(v.fat16.FileSystemType[:], padded(v.fsType.String(), 8))
	}

	if label != "" {
		progress.update(85, "writing label")
		if err := v.writeLabelEntry(label); err != nil {
			return err
		}
	}

	progress.update(90, "writing boot sector")
	if err := v.writeVolumeInfo(); err != nil {
		return err
	}
	if v.fsType == FAT32 {
		v.freeClusters = v.dataClusters - 1
		if err := v.writeFSInfo(firstCluster + 1); err != nil {
			return err
		}
		// Backup of the FSInfo sector, next to the backup boot sector.
		buf := make([]byte, ss)
		if err := v.readSectors(uint64(v.fat32.FSInfo), 1, buf); err != nil {
			return err
		}
		if err := v.writeSectors(uint64(v.fat32.BkBootSector)+1, 1, buf); err != nil {
			return err
		}
	}

	progress.update(100, "done")
	return nil
}

// writeLabelEntry stores the volume label entry as first entry of the empty root directory.
func (v *Volume) writeLabelEntry(label string) error {
	var s shortEntry
	copy(s.name[:], padded(label, 11))
	s.attributes = AttrVolumeID
	now := time.Now()
	s.writeDate = FormatDate(now)
	s.writeTime = FormatTime(now)

	buf := make([]byte, v.sectorSize)
	s.encode(buf)

	sector := uint64(v.reservedSectors) + uint64(v.numFATs)*uint64(v.fatSectors)
	if v.fsType == FAT32 {
		sector = v.clusterSector(v.fat32.RootCluster)
	}
	return v.writeSectors(sector, 1, buf)
}

func padded(s string, n int) []byte {
	out := bytes.Repeat([]byte{' '}, n)
	copy(out, s)
	return out
}
