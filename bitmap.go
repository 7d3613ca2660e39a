package fatengine

import (
	"github.com/aligator/fatengine/checkpoint"
	"github.com/golang/glog"
)

// bitmapChunk is the number of FAT entries read at once while building the bitmap.
const bitmapChunk = 256 * 1024

type bitmapBuild struct {
	done chan struct{}
	err  error
}

// run is a sequence of consecutive clusters.
type run struct {
	first uint32
	count uint32
}

// startBitmapBuild builds the free cluster bitmap in the background. If a build is already
// running, it waits for it to finish before starting the new one.
func (v *Volume) startBitmapBuild() {
	v.buildMu.Lock()
	defer v.buildMu.Unlock()

	if v.build != nil {
		<-v.build.done
	}

	b := &bitmapBuild{done: make(chan struct{})}
	v.build = b
	v.building.Store(true)

	go func() {
		defer close(b.done)
		defer v.building.Store(false)
		b.err = v.buildBitmap()
		if b.err != nil {
			glog.Errorf("Building the free cluster bitmap failed: %v", b.err)
		}
	}()
}

// waitBitmap blocks until no bitmap build is running and returns the error of the last build.
func (v *Volume) waitBitmap() error {
	v.buildMu.Lock()
	b := v.build
	v.buildMu.Unlock()

	if b == nil {
		return checkpoint.Wrapf(nil, ErrNotMounted, "no free cluster bitmap")
	}
	if v.building.Load() {
		glog.V(2).Info("Waiting for the free cluster bitmap")
	}
	<-b.done
	return b.err
}

// buildBitmap scans the whole FAT. A set bit means that the cluster is in use. Clusters 0 and 1
// and the padding bits after the last cluster are always set.
func (v *Volume) buildBitmap() error {
	limit := v.dataClusters + firstCluster
	bitmap := make([]byte, (limit+7)/8)
	for i := range bitmap {
		bitmap[i] = 0xFF
	}

	var free uint32
	for first := uint32(firstCluster); first < limit; first += bitmapChunk {
		count := uint32(bitmapChunk)
		if limit-first < count {
			count = limit - first
		}

		entries, err := v.getEntries(first, count)
		if err != nil {
			return err
		}
		for n, e := range entries {
			if e == 0 {
				c := first + uint32(n)
				bitmap[c/8] &^= 1 << (c % 8)
				free++
			}
		}
	}

	v.mu.Lock()
	v.bitmap = bitmap
	v.freeClusters = free
	v.mu.Unlock()

	glog.V(1).Infof("Free cluster bitmap ready, %d of %d clusters free", free, v.dataClusters)
	return nil
}

func (v *Volume) used(c uint32) bool {
	return v.bitmap[c/8]&(1<<(c%8)) != 0
}

func (v *Volume) mark(r run, used bool) {
	for c := r.first; c < r.first+r.count; c++ {
		if used {
			v.bitmap[c/8] |= 1 << (c % 8)
		} else {
			v.bitmap[c/8] &^= 1 << (c % 8)
		}
	}
}

// findRun returns the first run of at least want free clusters, shortened to want, or the longest
// run if there is none that large. The returned run is empty if there are no free clusters.
func (v *Volume) findRun(want uint32) run {
	var best run
	limit := v.dataClusters + firstCluster
	if v.allocLimit != 0 && v.allocLimit < limit {
		limit = v.allocLimit
	}

	for c := uint32(firstCluster); c < limit; {
		if c%8 == 0 && v.bitmap[c/8] == 0xFF {
			c += 8
			continue
		}
		if v.used(c) {
			c++
			continue
		}

		start := c
		for c < limit && !v.used(c) && c-start < want {
			c++
		}
		if c-start >= want {
			return run{first: start, count: want}
		}
		if c-start > best.count {
			best = run{first: start, count: c - start}
		}
	}
	return best
}

// allocate reserves count clusters and links them to one chain which is terminated by the end of
// chain marker. It prefers a single run and falls back to the largest runs available.
// If writing the chain fails, the FAT entries and bits touched by this call are released again.
func (v *Volume) allocate(count uint32) (uint32, error) {
	if count == 0 {
		return 0, checkpoint.Wrapf(nil, ErrRange, "allocation of 0 clusters")
	}
	if err := v.waitBitmap(); err != nil {
		return 0, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.readOnly.Load() {
		return 0, ErrReadOnly
	}
	if count > v.freeClusters {
		return 0, checkpoint.Wrapf(nil, ErrNoFree, "%d clusters requested, %d free", count, v.freeClusters)
	}

	var runs []run
	for remaining := count; remaining > 0; {
		r := v.findRun(remaining)
		if r.count == 0 {
			for _, r := range runs {
				v.mark(r, false)
			}
			return 0, checkpoint.Wrapf(nil, ErrNoFree, "bitmap has no free cluster left")
		}
		v.mark(r, true)
		runs = append(runs, r)
		remaining -= r.count
	}

	var written []uint32
	for i, r := range runs {
		for c := r.first; c < r.first+r.count; c++ {
			next := c + 1
			if c == r.first+r.count-1 {
				if i+1 < len(runs) {
					next = runs[i+1].first
				} else {
					next = v.terminal
				}
			}

			if err := v.setEntry(c, next); err != nil {
				// Some FAT copies may already hold the entry of c.
				v.rollback(append(written, c), runs)
				return 0, err
			}
			written = append(written, c)
		}
	}

	v.freeClusters -= count
	glog.V(2).Infof("Allocated %d clusters in %d runs starting at %d", count, len(runs), runs[0].first)
	return runs[0].first, nil
}

func (v *Volume) rollback(written []uint32, runs []run) {
	for _, c := range written {
		if err := v.setEntry(c, 0); err != nil {
			glog.Errorf("Could not release cluster %d after a failed allocation: %v", c, err)
		}
	}
	for _, r := range runs {
		v.mark(r, false)
	}
}

// release frees the chain starting at start and returns the number of freed clusters.
// It stops at the first error without restoring the clusters freed so far.
func (v *Volume) release(start uint32) (uint32, error) {
	if err := v.waitBitmap(); err != nil {
		return 0, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	return v.releaseLocked(start)
}

func (v *Volume) releaseLocked(start uint32) (uint32, error) {
	if v.readOnly.Load() {
		return 0, ErrReadOnly
	}

	var freed uint32
	for c := start; ; {
		if !v.validNext(c) {
			return freed, checkpoint.Wrapf(nil, ErrBadData, "cluster %d in chain of %d", c, start)
		}
		if freed > v.dataClusters {
			return freed, checkpoint.Wrapf(nil, ErrBadData, "loop in chain of %d", start)
		}

		next, err := v.getEntry(c)
		if err != nil {
			return freed, err
		}
		if err := v.setEntry(c, 0); err != nil {
			return freed, err
		}
		if v.used(c) {
			v.mark(run{first: c, count: 1}, false)
			v.freeClusters++
		}
		freed++

		if v.isTerminal(next) {
			break
		}
		c = next
	}

	glog.V(2).Infof("Released %d clusters starting at %d", freed, start)
	return freed, nil
}

// FreeBytes returns the free space of the volume. It waits for the free cluster bitmap.
func (v *Volume) FreeBytes() (uint64, error) {
	if err := v.waitBitmap(); err != nil {
		return 0, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	return uint64(v.freeClusters) * uint64(v.clusterBytes), nil
}

// lastUsedCluster returns the highest cluster in use or 0 if all clusters are free.
func (v *Volume) lastUsedCluster() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()

	for c := v.dataClusters + firstCluster - 1; c >= firstCluster; c-- {
		if v.used(c) {
			return c
		}
	}
	return 0
}
