package fatengine

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aligator/fatengine/block"
	"github.com/aligator/fatengine/checkpoint"
	"github.com/golang/glog"
	"go.uber.org/atomic"
)

// FSType is the FAT variant of a volume.
type FSType int

const (
	// FSTypeAuto lets Format choose the type by the size of the device.
	FSTypeAuto FSType = iota
	FAT12
	FAT16
	FAT32
)

func (t FSType) String() string {
	switch t {
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	case FAT32:
		return "FAT32"
	default:
		return "auto"
	}
}

// Cluster count limits of the FAT types.
const (
	maxClustersFAT12 = 4084
	maxClustersFAT16 = 65524
	maxClustersFAT32 = 0x0FFFFFF5

	firstCluster = 2
)

// State is the mount state of a volume.
type State int32

const (
	Unmounted State = iota
	Mounting
	Mounted
	Unmounting
)

func (s State) String() string {
	switch s {
	case Mounting:
		return "mounting"
	case Mounted:
		return "mounted"
	case Unmounting:
		return "unmounting"
	default:
		return "unmounted"
	}
}

// Volume contains all information about a FAT filesystem on a block device.
// It is created by Mount, and internally by Format and Resize.
type Volume struct {
	dev block.Device

	bs    bootSector
	fat16 fat16Specific
	fat32 fat32Specific
	info  fsInfo

	fsType            FSType
	sectorSize        uint32
	sectorsPerCluster uint32
	reservedSectors   uint32
	numFATs           uint32
	rootEntries       uint32
	totalSectors      uint32
	rootDirSectors    uint32
	fatSectors        uint32
	firstDataSector   uint32
	dataClusters      uint32
	terminal          uint32
	clusterBytes      uint32

	// mu guards the bitmap, freeClusters and all FAT table mutations.
	mu           sync.Mutex
	bitmap       []byte
	freeClusters uint32
	// allocLimit, if not 0, keeps the allocator below this cluster.
	allocLimit uint32

	buildMu  sync.Mutex
	build    *bitmapBuild
	building atomic.Bool

	readOnly atomic.Bool
	state    atomic.Int32

	label      string
	labelEntry []byte
	root       *Entry
}

// parseVolume reads and validates the boot sector of dev. It never writes to the device.
func parseVolume(dev block.Device) (*Volume, error) {
	ss := dev.SectorSize()
	if ss < 512 {
		return nil, checkpoint.Wrapf(nil, ErrBadData, "device sector size %d", ss)
	}

	buf := make([]byte, ss)
	if err := dev.ReadSectors(0, 1, buf); err != nil {
		return nil, err
	}

	v := &Volume{dev: dev}
	if err := unpack(buf, &v.bs); err != nil {
		return nil, checkpoint.Wrap(err, ErrBadData)
	}
	bs := &v.bs

	if !legalSectorSize(bs.BytesPerSector) || int(bs.BytesPerSector) != ss {
		return nil, checkpoint.Wrapf(nil, ErrBadData, "bytes per sector %d, device uses %d", bs.BytesPerSector, ss)
	}
	if bs.SectorsPerCluster == 0 || uint32(bs.SectorsPerCluster)*uint32(bs.BytesPerSector) > 32768 {
		return nil, checkpoint.Wrapf(nil, ErrBadData, "sectors per cluster %d", bs.SectorsPerCluster)
	}
	if bs.ReservedSectorCount < 1 {
		return nil, checkpoint.Wrapf(nil, ErrBadData, "no reserved sectors")
	}
	if bs.NumFATs < 1 {
		return nil, checkpoint.Wrapf(nil, ErrBadData, "no FAT")
	}
	if !legalMedia(bs.Media) {
		return nil, checkpoint.Wrapf(nil, ErrBadData, "media byte 0x%02x", bs.Media)
	}

	v.sectorSize = uint32(bs.BytesPerSector)
	v.sectorsPerCluster = uint32(bs.SectorsPerCluster)
	v.reservedSectors = uint32(bs.ReservedSectorCount)
	v.numFATs = uint32(bs.NumFATs)
	v.rootEntries = uint32(bs.RootEntryCount)
	v.rootDirSectors = (v.rootEntries*32 + v.sectorSize - 1) / v.sectorSize
	v.clusterBytes = v.sectorSize * v.sectorsPerCluster

	if bs.TotalSectors16 != 0 {
		v.totalSectors = uint32(bs.TotalSectors16)
	} else {
		v.totalSectors = bs.TotalSectors32
	}

	// A 16 bit FAT size of zero means FAT32, the real size is in the FAT32 extension.
	if bs.FATSize16 != 0 {
		v.fatSectors = uint32(bs.FATSize16)
		if err := unpack(bs.Specific[:], &v.fat16); err != nil {
			return nil, checkpoint.Wrap(err, ErrBadData)
		}
	} else {
		if err := unpack(bs.Specific[:], &v.fat32); err != nil {
			return nil, checkpoint.Wrap(err, ErrBadData)
		}
		v.fatSectors = v.fat32.FATSize32
	}

	if v.totalSectors == 0 || v.fatSectors == 0 {
		return nil, checkpoint.Wrapf(nil, ErrBadData, "total sectors %d, FAT sectors %d", v.totalSectors, v.fatSectors)
	}
	if uint64(v.totalSectors) > dev.Sectors() {
		return nil, checkpoint.Wrapf(nil, ErrBadData, "volume has %d sectors, device only %d", v.totalSectors, dev.Sectors())
	}

	if err := v.computeLayout(); err != nil {
		return nil, err
	}

	if (bs.FATSize16 == 0) != (v.fsType == FAT32) {
		return nil, checkpoint.Wrapf(nil, ErrBadData, "%v by cluster count %d does not match the BPB layout", v.fsType, v.dataClusters)
	}

	if v.fsType == FAT32 {
		if err := v.parseFAT32(); err != nil {
			return nil, err
		}
		v.label = labelString(v.fat32.VolumeLabel[:])
	} else {
		v.label = labelString(v.fat16.VolumeLabel[:])
	}

	if glog.V(1) {
		glog.Infof("Volume: %v, %d sectors of %d bytes, %d data clusters of %d bytes",
			v.fsType, v.totalSectors, v.sectorSize, v.dataClusters, v.clusterBytes)
	}

	return v, nil
}

// computeLayout derives the data region, the cluster count and the FAT type from the BPB fields.
func (v *Volume) computeLayout() error {
	meta := uint64(v.reservedSectors) + uint64(v.numFATs)*uint64(v.fatSectors) + uint64(v.rootDirSectors)
	if meta >= uint64(v.totalSectors) {
		return checkpoint.Wrapf(nil, ErrBadData, "no data region, %d of %d sectors are metadata", meta, v.totalSectors)
	}

	v.firstDataSector = uint32(meta)
	v.dataClusters = (v.totalSectors - v.firstDataSector) / v.sectorsPerCluster
	v.fsType = typeForClusters(v.dataClusters)
	v.terminal = terminalValue(v.fsType)

	if uint64(v.fatSectors)*uint64(v.sectorSize) < fatBytes(v.fsType, v.dataClusters+firstCluster) {
		return checkpoint.Wrapf(nil, ErrBadData, "%d FAT sectors cannot hold %d clusters", v.fatSectors, v.dataClusters)
	}
	return nil
}

func (v *Volume) parseFAT32() error {
	if v.fat32.FSVersion != 0 {
		return checkpoint.Wrapf(nil, ErrBadData, "FAT32 version %#04x", v.fat32.FSVersion)
	}
	if v.rootEntries != 0 {
		return checkpoint.Wrapf(nil, ErrBadData, "FAT32 with %d fixed root entries", v.rootEntries)
	}
	if v.fat32.RootCluster < firstCluster || v.fat32.RootCluster > v.dataClusters+1 {
		return checkpoint.Wrapf(nil, ErrBadData, "root cluster %d", v.fat32.RootCluster)
	}
	if v.fat32.FSInfo < 1 || uint32(v.fat32.FSInfo) >= v.reservedSectors {
		return checkpoint.Wrapf(nil, ErrBadData, "FSInfo sector %d", v.fat32.FSInfo)
	}

	buf := make([]byte, v.sectorSize)
	if err := v.dev.ReadSectors(uint64(v.fat32.FSInfo), 1, buf); err != nil {
		return err
	}
	if err := unpack(buf, &v.info); err != nil {
		return checkpoint.Wrap(err, ErrBadData)
	}
	if v.info.LeadSig != fsInfoLeadSig || v.info.StructSig != fsInfoStructSig || v.info.TrailSig != fsInfoTrailSig {
		return checkpoint.Wrapf(nil, ErrBadData, "FSInfo signatures %#08x %#08x %#08x",
			v.info.LeadSig, v.info.StructSig, v.info.TrailSig)
	}
	if v.info.FreeCount != fsInfoUnknown && v.info.FreeCount > v.dataClusters {
		return checkpoint.Wrapf(nil, ErrBadData, "FSInfo free count %d", v.info.FreeCount)
	}
	if v.info.NextFree != fsInfoUnknown && v.info.NextFree > v.dataClusters+1 {
		return checkpoint.Wrapf(nil, ErrBadData, "FSInfo next free %d", v.info.NextFree)
	}
	return nil
}

// writeVolumeInfo stores the derived sizes in the matching BPB fields and writes the boot sector
// and, if configured, its FAT32 backup.
func (v *Volume) writeVolumeInfo() error {
	bs := &v.bs
	if v.fsType == FAT32 || v.totalSectors > 0xFFFF {
		bs.TotalSectors16 = 0
		bs.TotalSectors32 = v.totalSectors
	} else {
		bs.TotalSectors16 = uint16(v.totalSectors)
		bs.TotalSectors32 = 0
	}

	var specific []byte
	var err error
	if v.fsType == FAT32 {
		bs.FATSize16 = 0
		v.fat32.FATSize32 = v.fatSectors
		specific, err = pack(&v.fat32)
	} else {
		bs.FATSize16 = uint16(v.fatSectors)
		specific, err = pack(&v.fat16)
	}
	if err != nil {
		return err
	}
	copy(bs.Specific[:], specific)

	data, err := pack(bs)
	if err != nil {
		return err
	}

	// Keep the boot code.
	buf := make([]byte, v.sectorSize)
	if err := v.readSectors(0, 1, buf); err != nil {
		return err
	}
	copy(buf, data)
	buf[bootSignatureOffset] = 0x55
	buf[bootSignatureOffset+1] = 0xAA

	if err := v.writeSectors(0, 1, buf); err != nil {
		return err
	}
	if v.fsType == FAT32 && v.fat32.BkBootSector != 0 && uint32(v.fat32.BkBootSector) < v.reservedSectors {
		return v.writeSectors(uint64(v.fat32.BkBootSector), 1, buf)
	}
	return nil
}

// writeFSInfo stores the free cluster count and the next free hint in the FAT32 FSInfo sector.
func (v *Volume) writeFSInfo(nextFree uint32) error {
	if v.fsType != FAT32 {
		return nil
	}

	v.info.LeadSig = fsInfoLeadSig
	v.info.StructSig = fsInfoStructSig
	v.info.TrailSig = fsInfoTrailSig
	v.info.FreeCount = v.freeClusters
	v.info.NextFree = nextFree

	data, err := pack(&v.info)
	if err != nil {
		return err
	}
	buf := make([]byte, v.sectorSize)
	copy(buf, data)
	return v.writeSectors(uint64(v.fat32.FSInfo), 1, buf)
}

// cleanBit returns the bit of FAT[1] which is set while the volume is cleanly unmounted.
// FAT12 has none.
func (v *Volume) cleanBit() uint32 {
	switch v.fsType {
	case FAT16:
		return 0x8000
	case FAT32:
		return 0x08000000
	default:
		return 0
	}
}

func (v *Volume) isClean() (bool, error) {
	bit := v.cleanBit()
	if bit == 0 {
		return true, nil
	}
	e, err := v.getEntry(1)
	if err != nil {
		return false, err
	}
	return e&bit != 0, nil
}

func (v *Volume) setClean(clean bool) error {
	bit := v.cleanBit()
	if bit == 0 {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	e, err := v.getEntry(1)
	if err != nil {
		return err
	}
	if clean {
		e |= bit
	} else {
		e &^= bit
	}
	return v.setEntry(1, e)
}

func (v *Volume) readSectors(start uint64, count uint32, buf []byte) error {
	return v.dev.ReadSectors(start, int(count), buf)
}

// writeSectors writes to the device. If the device refuses the write because it is read-only the
// whole volume becomes read-only, and following writes fail without touching the device.
func (v *Volume) writeSectors(start uint64, count uint32, buf []byte) error {
	if v.readOnly.Load() {
		return ErrReadOnly
	}

	err := v.dev.WriteSectors(start, int(count), buf)
	if errors.Is(err, block.ErrReadOnly) {
		glog.Warningf("Device refused a write to sector %d, the volume is read-only from now on", start)
		v.readOnly.Store(true)
		return checkpoint.Wrap(err, ErrReadOnly)
	}
	return err
}

// clusterSector returns the first sector of a data cluster.
func (v *Volume) clusterSector(cluster uint32) uint64 {
	return uint64(v.firstDataSector) + uint64(cluster-firstCluster)*uint64(v.sectorsPerCluster)
}

// Type returns the FAT variant of the volume.
func (v *Volume) Type() FSType {
	return v.fsType
}

// Label returns the volume label. The label entry of the root directory wins over the one in the
// boot sector.
func (v *Volume) Label() string {
	return v.label
}

// BlockSize returns the size of a cluster in bytes. Blocks of the driver surface are clusters.
func (v *Volume) BlockSize() uint32 {
	return v.clusterBytes
}

// Clusters returns the number of data clusters.
func (v *Volume) Clusters() uint32 {
	return v.dataClusters
}

// State returns the current mount state.
func (v *Volume) State() State {
	return State(v.state.Load())
}

// ReadOnly reports whether the volume refuses writes.
func (v *Volume) ReadOnly() bool {
	return v.readOnly.Load()
}

// Root returns the root directory entry.
func (v *Volume) Root() *Entry {
	return v.root
}

func (v *Volume) String() string {
	return fmt.Sprintf("%v volume %q (%d clusters of %d bytes)", v.fsType, v.label, v.dataClusters, v.clusterBytes)
}

func legalSectorSize(size uint16) bool {
	return size == 512 || size == 1024 || size == 2048 || size == 4096
}

func legalMedia(media byte) bool {
	return media == 0xF0 || media >= 0xF8
}

func typeForClusters(clusters uint32) FSType {
	if clusters < maxClustersFAT12+1 {
		return FAT12
	} else if clusters < maxClustersFAT16+1 {
		return FAT16
	}
	return FAT32
}

func terminalValue(t FSType) uint32 {
	switch t {
	case FAT12:
		return 0x0FF8
	case FAT16:
		return 0xFFF8
	default:
		return 0x0FFFFFF8
	}
}

// fatBytes returns the bytes needed to store n FAT entries.
func fatBytes(t FSType, n uint32) uint64 {
	switch t {
	case FAT12:
		return (uint64(n)*3 + 1) / 2
	case FAT16:
		return uint64(n) * 2
	default:
		return uint64(n) * 4
	}
}

func labelString(raw []byte) string {
	label := strings.TrimRight(decodeShort(raw), " ")
	if label == "NO NAME" {
		return ""
	}
	return label
}
