package fatengine

import (
	"github.com/golang/glog"
)

// bootLoaderName is the file which must stay where the boot sector expects it.
const bootLoaderName = "vloader"

// walk calls fn for every entry below dir, parents before their children. Directories are read
// from disk if necessary.
func (v *Volume) walk(dir *Entry, fn func(e *Entry) error) error {
	if !dir.data.loaded {
		if err := v.loadDir(dir); err != nil {
			return err
		}
	}

	for _, child := range dir.Children {
		if err := fn(child); err != nil {
			return err
		}
		if child.IsDir() && child.data != nil {
			if err := v.walk(child, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func skipDefrag(e *Entry) bool {
	return e.data == nil || e.Name == "." || e.Name == ".." || equalFold(e.Name, bootLoaderName)
}

// forEntries calls fn for every entry for which match returns true, including the FAT32 root.
func (v *Volume) forEntries(match func(e *Entry) (bool, error), fn func(e *Entry) error) error {
	check := func(e *Entry) error {
		ok, err := match(e)
		if err != nil || !ok {
			return err
		}
		return fn(e)
	}

	if v.fsType == FAT32 {
		if err := check(v.root); err != nil {
			return err
		}
	}
	return v.walk(v.root, check)
}

func (v *Volume) fragmented(e *Entry) (bool, error) {
	if skipDefrag(e) {
		return false, nil
	}
	return v.isFragmented(e.data.startCluster)
}

// FragmentedEntries counts the files and directories whose chain is not contiguous.
func (v *Volume) FragmentedEntries() (int, error) {
	if err := v.checkMounted(); err != nil {
		return 0, err
	}

	count := 0
	err := v.forEntries(v.fragmented, func(*Entry) error {
		count++
		return nil
	})
	return count, err
}

// Defragment rewrites every fragmented file and directory, so the allocator can place it into a
// single run of clusters.
func (v *Volume) Defragment(progress *Progress) error {
	return progress.fail(v.defragment(progress))
}

func (v *Volume) defragment(progress *Progress) error {
	if err := v.checkWritable(); err != nil {
		return err
	}

	progress.update(0, "counting fragmented entries")
	total, err := v.FragmentedEntries()
	if err != nil {
		return err
	}
	glog.V(1).Infof("Defragmenting %d entries", total)
	if total == 0 {
		progress.update(100, "nothing to defragment")
		return nil
	}

	done := 0
	err = v.forEntries(v.fragmented, func(e *Entry) error {
		progress.update(done*100/total, "defragmenting "+e.Path())
		if err := v.defragEntry(e); err != nil {
			return err
		}
		done++
		return nil
	})
	if err != nil {
		return err
	}

	progress.update(100, "done")
	return nil
}

// defragEntry reads the whole chain of e, releases it, and writes it to a fresh allocation.
func (v *Volume) defragEntry(e *Entry) error {
	// Directories are rewritten from the entry tree, so it has to be complete.
	if e.IsDir() && !e.data.loaded {
		if err := v.loadDir(e); err != nil {
			return err
		}
	}

	length, err := v.chainLength(e.data.startCluster)
	if err != nil {
		return err
	}
	buf := make([]byte, length*v.clusterBytes)
	if err := v.readChain(e.data.startCluster, 0, length, buf); err != nil {
		return err
	}

	if _, err := v.release(e.data.startCluster); err != nil {
		return err
	}
	start, err := v.allocate(length)
	if err != nil {
		glog.Errorf("Lost the data of %q while defragmenting: %v", e.Path(), err)
		e.data.startCluster = 0
		return err
	}
	e.data.startCluster = start
	if err := v.writeChain(start, 0, length, buf); err != nil {
		return err
	}

	if e.IsDir() {
		if v.isRoot(e) {
			v.fat32.RootCluster = start
			if err := v.writeVolumeInfo(); err != nil {
				return err
			}
		} else if err := v.writeDir(e); err != nil {
			return err
		}

		// The ".." entries of the subdirectories point to e.
		for _, child := range e.Children {
			if child.IsDir() && child.data != nil && child.data.startCluster != 0 {
				if !child.data.loaded {
					if err := v.loadDir(child); err != nil {
						return err
					}
				}
				if err := v.writeDir(child); err != nil {
					return err
				}
			}
		}
	}

	if e.Parent != nil {
		return v.writeDir(e.Parent)
	}
	return nil
}
