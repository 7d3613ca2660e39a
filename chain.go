package fatengine

import (
	"github.com/aligator/fatengine/checkpoint"
	"github.com/golang/glog"
)

// chainLength counts the clusters of the chain starting at start. A start of 0 is the empty chain.
func (v *Volume) chainLength(start uint32) (uint32, error) {
	if start == 0 {
		return 0, nil
	}

	var length uint32
	for c := start; ; {
		if !v.validNext(c) {
			return 0, checkpoint.Wrapf(nil, ErrBadData, "cluster %d in chain of %d", c, start)
		}
		length++
		if length > v.dataClusters {
			return 0, checkpoint.Wrapf(nil, ErrBadData, "loop in chain of %d", start)
		}

		next, err := v.getEntry(c)
		if err != nil {
			return 0, err
		}
		if v.isTerminal(next) {
			return length, nil
		}
		c = next
	}
}

// clusterAt returns the cluster at the 0 based position index of the chain.
func (v *Volume) clusterAt(start, index uint32) (uint32, error) {
	c := start
	for i := uint32(0); i < index; i++ {
		if !v.validNext(c) {
			return 0, checkpoint.Wrapf(nil, ErrBadData, "cluster %d in chain of %d", c, start)
		}
		next, err := v.getEntry(c)
		if err != nil {
			return 0, err
		}
		if v.isTerminal(next) {
			return 0, checkpoint.Wrapf(nil, ErrNoData, "chain of %d ends before cluster %d", start, index)
		}
		c = next
	}
	if !v.validNext(c) {
		return 0, checkpoint.Wrapf(nil, ErrBadData, "cluster %d in chain of %d", c, start)
	}
	return c, nil
}

// chainRuns walks count clusters of the chain starting at start, after skipping skip clusters, and
// merges physically consecutive clusters into runs.
func (v *Volume) chainRuns(start, skip, count uint32) ([]run, error) {
	if count == 0 {
		return nil, nil
	}
	if start == 0 {
		return nil, checkpoint.Wrapf(nil, ErrNoData, "empty chain")
	}

	c, err := v.clusterAt(start, skip)
	if err != nil {
		return nil, err
	}

	runs := []run{{first: c, count: 1}}
	for n := uint32(1); n < count; n++ {
		next, err := v.getEntry(c)
		if err != nil {
			return nil, err
		}
		if v.isTerminal(next) {
			return nil, checkpoint.Wrapf(nil, ErrNoData, "chain of %d ends after %d clusters", start, skip+n)
		}
		if !v.validNext(next) {
			return nil, checkpoint.Wrapf(nil, ErrBadData, "cluster %d points to %d", c, next)
		}

		last := &runs[len(runs)-1]
		if next == last.first+last.count {
			last.count++
		} else {
			runs = append(runs, run{first: next, count: 1})
		}
		c = next
	}
	return runs, nil
}

// readChain reads count clusters of a chain into buf, starting with the cluster after skip clusters.
// Consecutive clusters are read with a single device transfer.
func (v *Volume) readChain(start, skip, count uint32, buf []byte) error {
	if uint64(len(buf)) < uint64(count)*uint64(v.clusterBytes) {
		return checkpoint.Wrapf(nil, ErrBounds, "buffer of %d bytes for %d clusters", len(buf), count)
	}

	runs, err := v.chainRuns(start, skip, count)
	if err != nil {
		return err
	}

	var off uint64
	for _, r := range runs {
		size := uint64(r.count) * uint64(v.clusterBytes)
		if err := v.readSectors(v.clusterSector(r.first), r.count*v.sectorsPerCluster, buf[off:off+size]); err != nil {
			return err
		}
		off += size
	}
	return nil
}

// writeChain is the counterpart of readChain.
func (v *Volume) writeChain(start, skip, count uint32, buf []byte) error {
	if uint64(len(buf)) < uint64(count)*uint64(v.clusterBytes) {
		return checkpoint.Wrapf(nil, ErrBounds, "buffer of %d bytes for %d clusters", len(buf), count)
	}

	runs, err := v.chainRuns(start, skip, count)
	if err != nil {
		return err
	}

	var off uint64
	for _, r := range runs {
		size := uint64(r.count) * uint64(v.clusterBytes)
		if err := v.writeSectors(v.clusterSector(r.first), r.count*v.sectorsPerCluster, buf[off:off+size]); err != nil {
			return err
		}
		off += size
	}
	return nil
}

// isFragmented reports whether a chain contains a jump.
func (v *Volume) isFragmented(start uint32) (bool, error) {
	length, err := v.chainLength(start)
	if err != nil || length < 2 {
		return false, err
	}
	runs, err := v.chainRuns(start, 0, length)
	if err != nil {
		return false, err
	}
	return len(runs) > 1, nil
}

// lengthen grows the chain of e to count clusters. The new clusters are appended to the last
// cluster of the chain. Size is set to the full size of the chain.
func (v *Volume) lengthen(e *Entry, count uint32) error {
	if v.clusterBytes == 0 {
		return checkpoint.Wrapf(nil, ErrBadData, "cluster size of 0")
	}
	data := e.data

	current, err := v.chainLength(data.startCluster)
	if err != nil {
		return err
	}
	if count <= current {
		return nil
	}

	first, err := v.allocate(count - current)
	if err != nil {
		return err
	}

	if data.startCluster == 0 {
		data.startCluster = first
	} else {
		last, err := v.clusterAt(data.startCluster, current-1)
		if err == nil {
			v.mu.Lock()
			err = v.setEntry(last, first)
			v.mu.Unlock()
		}
		if err != nil {
			if _, relErr := v.release(first); relErr != nil {
				glog.Errorf("Could not release clusters after failing to link them: %v", relErr)
			}
			return err
		}
	}

	return v.updateBlocks(e)
}

// shorten cuts the chain of e down to count clusters and releases the rest.
func (v *Volume) shorten(e *Entry, count uint32) error {
	if v.clusterBytes == 0 {
		return checkpoint.Wrapf(nil, ErrBadData, "cluster size of 0")
	}
	data := e.data

	current, err := v.chainLength(data.startCluster)
	if err != nil {
		return err
	}
	if count >= current {
		return nil
	}

	if count == 0 {
		if _, err := v.release(data.startCluster); err != nil {
			return err
		}
		data.startCluster = 0
		return v.updateBlocks(e)
	}

	last, err := v.clusterAt(data.startCluster, count-1)
	if err != nil {
		return err
	}
	if err := v.waitBitmap(); err != nil {
		return err
	}

	v.mu.Lock()
	next, err := v.getEntry(last)
	if err == nil {
		err = v.setEntry(last, v.terminal)
	}
	if err == nil {
		_, err = v.releaseLocked(next)
	}
	v.mu.Unlock()
	if err != nil {
		return err
	}

	return v.updateBlocks(e)
}

func (v *Volume) updateBlocks(e *Entry) error {
	blocks, err := v.chainLength(e.data.startCluster)
	if err != nil {
		return err
	}
	e.Blocks = blocks
	size := uint64(blocks) * uint64(v.clusterBytes)
	if size > maxFileSize {
		size = maxFileSize
	}
	e.Size = uint32(size)
	return nil
}

// checkFileChain verifies that a file owns exactly the clusters its size needs.
func (v *Volume) checkFileChain(e *Entry) error {
	if e.Type != TypeFile {
		return nil
	}

	length, err := v.chainLength(e.data.startCluster)
	if err != nil {
		return err
	}
	if want := v.clustersFor(e.Size); length != want {
		return checkpoint.Wrapf(nil, ErrBadData, "%q has %d clusters but needs %d for %d bytes", e.Name, length, want, e.Size)
	}
	return nil
}

func (v *Volume) clustersFor(size uint32) uint32 {
	return uint32((uint64(size) + uint64(v.clusterBytes) - 1) / uint64(v.clusterBytes))
}
