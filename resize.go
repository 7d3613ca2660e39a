package fatengine

import (
	"github.com/aligator/fatengine/block"
	"github.com/aligator/fatengine/checkpoint"
	"github.com/golang/glog"
	"go.uber.org/multierr"
)

// sectorsFor returns the size of a volume with the geometry of v and the given number of data
// clusters.
func (v *Volume) sectorsFor(clusters uint32) uint64 {
	fat := (fatBytes(v.fsType, clusters+firstCluster) + uint64(v.sectorSize) - 1) / uint64(v.sectorSize)
	return uint64(v.reservedSectors) + uint64(v.numFATs)*fat + uint64(v.rootDirSectors) +
		uint64(clusters)*uint64(v.sectorsPerCluster)
}

// clusterLimits returns the cluster count range of the FAT type of v.
func (v *Volume) clusterLimits() (uint32, uint32) {
	switch v.fsType {
	case FAT12:
		return 1, maxClustersFAT12
	case FAT16:
		return maxClustersFAT12 + 1, maxClustersFAT16
	default:
		return maxClustersFAT16 + 1, maxClustersFAT32
	}
}

// ResizeConstraints returns the smallest and the largest size in sectors the volume on dev can be
// resized to. The FAT type and the cluster size never change by resizing.
func ResizeConstraints(dev block.Device) (uint64, uint64, error) {
	v, err := parseVolume(dev)
	if err != nil {
		return 0, 0, err
	}
	if err := v.buildBitmap(); err != nil {
		return 0, 0, err
	}

	lower, upper := v.clusterLimits()
	used := v.dataClusters - v.freeClusters
	if used > lower {
		lower = used
	}

	minSectors := v.sectorsFor(lower)
	maxSectors := v.sectorsFor(upper)
	if maxSectors > dev.Sectors() {
		maxSectors = dev.Sectors()
	}
	if maxSectors > 0xFFFFFFFF {
		maxSectors = 0xFFFFFFFF
	}

	if minSectors > maxSectors {
		return minSectors, maxSectors, checkpoint.Wrapf(nil, ErrBounds, "%v volume needs at least %d sectors, at most %d are possible", v.fsType, minSectors, maxSectors)
	}
	return minSectors, maxSectors, nil
}

// Resize grows or shrinks the volume on dev to sectors. If used clusters are beyond the new end of
// the volume they are moved to the front first. The volume is left marked dirty.
func Resize(dev block.Device, sectors uint64, progress *Progress) error {
	return progress.fail(resize(dev, sectors, progress))
}

func resize(dev block.Device, sectors uint64, progress *Progress) error {
	if sectors > dev.Sectors() || sectors > 0xFFFFFFFF {
		return checkpoint.Wrapf(nil, ErrBounds, "%d sectors, the device has %d", sectors, dev.Sectors())
	}

	progress.update(0, "reading volume")
	v, err := Mount(dev, MountOptions{})
	if err != nil {
		return err
	}
	if err := v.waitBitmap(); err != nil {
		return multierr.Combine(err, v.Unmount())
	}
	if v.ReadOnly() {
		return multierr.Combine(ErrReadOnly, v.Unmount())
	}

	fatSectors, clusters := fatSize(sectors, v.sectorSize, v.sectorsPerCluster, v.reservedSectors, v.numFATs, v.rootDirSectors, v.fsType)
	if clusters == 0 || typeForClusters(clusters) != v.fsType {
		return multierr.Combine(checkpoint.Wrapf(nil, ErrBounds, "%d sectors would need %d clusters, which does not fit %v", sectors, clusters, v.fsType), v.Unmount())
	}
	v.mu.Lock()
	used := v.dataClusters - v.freeClusters
	v.mu.Unlock()
	if used > clusters {
		return multierr.Combine(checkpoint.Wrapf(nil, ErrBounds, "%d clusters are in use, only %d would be left", used, clusters), v.Unmount())
	}
	glog.V(1).Infof("Resizing %v from %d to %d sectors, %d to %d clusters", v.fsType, v.totalSectors, sectors, v.dataClusters, clusters)

	limit := clusters + firstCluster
	if v.lastUsedCluster() >= limit {
		progress.update(5, "moving clusters out of the way")
		if err := v.relocate(limit); err != nil {
			return multierr.Combine(err, v.Unmount())
		}
		if last := v.lastUsedCluster(); last >= limit {
			return multierr.Combine(checkpoint.Wrapf(nil, ErrBounds, "cluster %d is still in use", last), v.Unmount())
		}
	}

	// The FAT is rewritten completely at its new size, so it has to be read before the data moves.
	fat := make([]byte, uint64(fatSectors)*uint64(v.sectorSize))
	old := make([]byte, uint64(v.fatSectors)*uint64(v.sectorSize))
	if err := v.readSectors(uint64(v.reservedSectors), v.fatSectors, old); err != nil {
		return err
	}
	copy(fat, old)
	for i := fatBytes(v.fsType, limit); i < uint64(len(fat)); i++ {
		fat[i] = 0
	}
	if v.fsType == FAT12 && limit%2 == 1 {
		// The last byte is shared with the next, now non-existing entry.
		fat[fatBytes(v.fsType, limit)-1] &= 0x0F
	}

	keep := v.dataClusters
	if clusters < keep {
		keep = clusters
	}
	from := uint64(v.reservedSectors) + uint64(v.numFATs)*uint64(v.fatSectors)
	to := uint64(v.reservedSectors) + uint64(v.numFATs)*uint64(fatSectors)
	count := uint64(v.rootDirSectors) + uint64(keep)*uint64(v.sectorsPerCluster)
	if err := v.moveSectors(from, to, count, progress); err != nil {
		return err
	}

	progress.update(90, "writing FAT")
	for i := uint32(0); i < v.numFATs; i++ {
		if err := v.writeSectors(uint64(v.reservedSectors)+uint64(i)*uint64(fatSectors), fatSectors, fat); err != nil {
			return err
		}
	}

	v.totalSectors = uint32(sectors)
	v.fatSectors = fatSectors
	if err := v.computeLayout(); err != nil {
		return err
	}
	if err := v.buildBitmap(); err != nil {
		return err
	}

	progress.update(95, "writing boot sector")
	if err := v.writeVolumeInfo(); err != nil {
		return err
	}
	v.mu.Lock()
	next := v.findRun(1).first
	v.mu.Unlock()
	if next == 0 {
		next = fsInfoUnknown
	}
	if err := v.writeFSInfo(next); err != nil {
		return err
	}
	if err := v.setClean(false); err != nil {
		return err
	}

	v.state.Store(int32(Unmounted))
	progress.update(100, "done")
	glog.V(1).Infof("Resized to %v", v)
	return nil
}

// relocate moves every chain which uses a cluster at or above limit. The allocator is kept below
// limit while doing so.
func (v *Volume) relocate(limit uint32) error {
	v.mu.Lock()
	v.allocLimit = limit
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		v.allocLimit = 0
		v.mu.Unlock()
	}()

	beyond := func(e *Entry) (bool, error) {
		if e.data == nil || e.Name == "." || e.Name == ".." || e.data.startCluster == 0 {
			return false, nil
		}
		length, err := v.chainLength(e.data.startCluster)
		if err != nil {
			return false, err
		}
		runs, err := v.chainRuns(e.data.startCluster, 0, length)
		if err != nil {
			return false, err
		}
		for _, r := range runs {
			if r.first+r.count > limit {
				return true, nil
			}
		}
		return false, nil
	}

	return v.forEntries(beyond, func(e *Entry) error {
		glog.V(2).Infof("Relocating %s", e.Path())
		return v.defragEntry(e)
	})
}

// moveSectors copies count sectors from from to to in chunks. The copy direction depends on the
// direction of the move, so overlapping ranges stay intact.
func (v *Volume) moveSectors(from, to, count uint64, progress *Progress) error {
	if from == to || count == 0 {
		return nil
	}

	chunk := uint64(zeroChunk) / uint64(v.sectorSize)
	buf := make([]byte, chunk*uint64(v.sectorSize))
	for done := uint64(0); done < count; {
		n := chunk
		if count-done < n {
			n = count - done
		}
		off := done
		if to > from {
			off = count - done - n
		}

		b := buf[:n*uint64(v.sectorSize)]
		if err := v.readSectors(from+off, uint32(n), b); err != nil {
			return err
		}
		if err := v.writeSectors(to+off, uint32(n), b); err != nil {
			return err
		}

		done += n
		progress.update(10+int(done*80/count), "moving data")
	}
	return nil
}
