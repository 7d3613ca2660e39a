package fatengine

import (
	"bytes"
	"errors"
	"testing"

	"github.com/aligator/fatengine/block"
)

// testingCreate creates the file name with content in parent and writes parent.
func testingCreate(t *testing.T, v *Volume, parent *Entry, name string, content []byte) *Entry {
	t.Helper()
	e := &Entry{Name: name, Type: TypeFile}
	if err := v.NewEntry(e); err != nil {
		t.Fatalf("NewEntry() error = %v", err)
	}
	parent.AddChild(e)
	if err := v.CreateFile(e); err != nil {
		t.Fatalf("CreateFile(%q) error = %v", name, err)
	}

	blocks := v.clustersFor(uint32(len(content)))
	buf := make([]byte, blocks*v.BlockSize())
	copy(buf, content)
	if err := v.WriteFile(e, 0, blocks, buf); err != nil {
		t.Fatalf("WriteFile(%q) error = %v", name, err)
	}
	e.Size = uint32(len(content))
	if err := v.WriteDir(parent); err != nil {
		t.Fatalf("WriteDir() error = %v", err)
	}
	return e
}

// testingMkdir creates the directory name in parent and writes parent.
func testingMkdir(t *testing.T, v *Volume, parent *Entry, name string) *Entry {
	t.Helper()
	dir := &Entry{Name: name, Type: TypeDir}
	if err := v.NewEntry(dir); err != nil {
		t.Fatalf("NewEntry() error = %v", err)
	}
	parent.AddChild(dir)
	if err := v.MakeDir(dir); err != nil {
		t.Fatalf("MakeDir(%q) error = %v", name, err)
	}
	if err := v.WriteDir(parent); err != nil {
		t.Fatalf("WriteDir() error = %v", err)
	}
	return dir
}

func testingUnmount(t *testing.T, v *Volume) {
	t.Helper()
	if err := v.Unmount(); err != nil {
		t.Fatalf("Unmount() error = %v", err)
	}
}

func TestVolume_FileLifecycle(t *testing.T) {
	tests := []struct {
		name       string
		sectors    uint64
		typ        FSType
		size       int
		wantBlocks uint32
	}{
		{
			name:       "FAT12",
			sectors:    fat12Sectors,
			typ:        FAT12,
			size:       5000,
			wantBlocks: 5,
		},
		{
			name:       "FAT16",
			sectors:    fat16Sectors,
			typ:        FAT16,
			size:       5000,
			wantBlocks: 3,
		},
		{
			name:       "FAT32",
			sectors:    fat32Sectors,
			typ:        FAT32,
			size:       5000,
			wantBlocks: 10,
		},
		{
			name:       "empty file",
			sectors:    fat16Sectors,
			typ:        FAT16,
			size:       0,
			wantBlocks: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := testingFormat(t, tt.sectors, tt.typ)
			v := testingMount(t, dev)
			initial, err := v.FreeBytes()
			if err != nil {
				t.Fatalf("FreeBytes() error = %v", err)
			}

			content := testingData(tt.size)
			e := testingCreate(t, v, v.Root(), "HELLO.TXT", content)
			if e.Blocks != tt.wantBlocks {
				t.Errorf("Entry.Blocks = %v, want %v", e.Blocks, tt.wantBlocks)
			}
			if free, _ := v.FreeBytes(); free != initial-uint64(tt.wantBlocks)*uint64(v.BlockSize()) {
				t.Errorf("FreeBytes() = %v, want %v", free, initial-uint64(tt.wantBlocks)*uint64(v.BlockSize()))
			}
			testingUnmount(t, v)

			v = testingMount(t, dev)
			e = v.Root().Child("hello.txt")
			if e == nil {
				t.Fatalf("HELLO.TXT not found after remount")
			}
			if e.Size != uint32(tt.size) || e.Blocks != tt.wantBlocks {
				t.Errorf("Entry = %d bytes in %d blocks, want %d in %d", e.Size, e.Blocks, tt.size, tt.wantBlocks)
			}
			if e.ShortName() != "HELLO.TXT" {
				t.Errorf("Entry.ShortName() = %q, want HELLO.TXT", e.ShortName())
			}

			buf := make([]byte, e.Blocks*v.BlockSize())
			if err := v.ReadFile(e, 0, e.Blocks, buf); err != nil {
				t.Fatalf("ReadFile() error = %v", err)
			}
			if !bytes.Equal(buf[:tt.size], content) {
				t.Errorf("ReadFile() returned wrong data")
			}

			if err := v.DeleteFile(e); err != nil {
				t.Fatalf("DeleteFile() error = %v", err)
			}
			v.Root().RemoveChild(e)
			if err := v.WriteDir(v.Root()); err != nil {
				t.Fatalf("WriteDir() error = %v", err)
			}
			if free, _ := v.FreeBytes(); free != initial {
				t.Errorf("FreeBytes() after delete = %v, want %v", free, initial)
			}
			testingUnmount(t, v)

			v = testingMount(t, dev)
			if len(v.Root().Children) != 0 {
				t.Errorf("root has %d entries after delete", len(v.Root().Children))
			}
			if free, _ := v.FreeBytes(); free != initial {
				t.Errorf("FreeBytes() after remount = %v, want %v", free, initial)
			}
		})
	}
}

func TestVolume_FreeSpaceIsConserved(t *testing.T) {
	dev := testingFormat(t, fat32Sectors, FAT32)
	v := testingMount(t, dev)
	initial, err := v.FreeBytes()
	if err != nil {
		t.Fatalf("FreeBytes() error = %v", err)
	}

	var dirs []*Entry
	for _, name := range []string{"docs", "pictures", "a much longer directory name"} {
		dir := testingMkdir(t, v, v.Root(), name)
		dirs = append(dirs, dir)
		for i, size := range []int{1, 512, 513, 20000} {
			testingCreate(t, v, dir, name+string(rune('a'+i))+".bin", testingData(size))
		}
	}
	if free, _ := v.FreeBytes(); free >= initial {
		t.Fatalf("FreeBytes() = %v did not shrink", free)
	}
	testingUnmount(t, v)

	v = testingMount(t, dev)
	for _, dir := range append([]*Entry(nil), v.Root().Children...) {
		if err := v.ReadDir(dir); err != nil {
			t.Fatalf("ReadDir() error = %v", err)
		}
		for _, e := range append([]*Entry(nil), dir.Children...) {
			if err := v.checkFileChain(e); err != nil {
				t.Errorf("checkFileChain(%q) error = %v", e.Name, err)
			}
			if err := v.DeleteFile(e); err != nil {
				t.Fatalf("DeleteFile(%q) error = %v", e.Name, err)
			}
			dir.RemoveChild(e)
		}
		if err := v.WriteDir(dir); err != nil {
			t.Fatalf("WriteDir() error = %v", err)
		}
		if err := v.RemoveDir(dir); err != nil {
			t.Fatalf("RemoveDir() error = %v", err)
		}
		v.Root().RemoveChild(dir)
	}
	if err := v.WriteDir(v.Root()); err != nil {
		t.Fatalf("WriteDir() error = %v", err)
	}

	if free, _ := v.FreeBytes(); free != initial {
		t.Errorf("FreeBytes() = %v, want %v", free, initial)
	}
	if len(dirs) != 3 {
		t.Errorf("created %d directories", len(dirs))
	}
}

func TestVolume_SetBlocks(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		blocks uint32
	}{
		{name: "grow", size: 100, blocks: 4},
		{name: "shrink", size: 10000, blocks: 2},
		{name: "to zero", size: 10000, blocks: 0},
		{name: "unchanged", size: 4096, blocks: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := testingMount(t, testingFormat(t, fat16Sectors, FAT16))
			initial, _ := v.FreeBytes()
			e := testingCreate(t, v, v.Root(), "file", testingData(tt.size))

			if err := v.SetBlocks(e, tt.blocks); err != nil {
				t.Fatalf("SetBlocks() error = %v", err)
			}
			if e.Blocks != tt.blocks {
				t.Errorf("Entry.Blocks = %v, want %v", e.Blocks, tt.blocks)
			}
			if e.Size != tt.blocks*v.BlockSize() {
				t.Errorf("Entry.Size = %v, want %v", e.Size, tt.blocks*v.BlockSize())
			}
			if err := v.checkFileChain(e); err != nil {
				t.Errorf("checkFileChain() error = %v", err)
			}
			if free, _ := v.FreeBytes(); free != initial-uint64(tt.blocks)*uint64(v.BlockSize()) {
				t.Errorf("FreeBytes() = %v, want %v", free, initial-uint64(tt.blocks)*uint64(v.BlockSize()))
			}
		})
	}
}

func TestVolume_DriverErrors(t *testing.T) {
	v := testingMount(t, testingFormat(t, fat16Sectors, FAT16))
	file := testingCreate(t, v, v.Root(), "file.txt", []byte("content"))
	dir := testingMkdir(t, v, v.Root(), "dir")
	testingCreate(t, v, dir, "inner.txt", []byte("inner"))
	broken := testingCreate(t, v, v.Root(), "broken", testingData(100))
	broken.Size = 5 * v.BlockSize()

	tests := []struct {
		name    string
		call    func() error
		wantErr error
	}{
		{
			name:    "read a directory",
			call:    func() error { return v.ReadFile(dir, 0, 1, make([]byte, v.BlockSize())) },
			wantErr: ErrNotAFile,
		},
		{
			name:    "read the directory of a file",
			call:    func() error { return v.ReadDir(file) },
			wantErr: ErrNotADirectory,
		},
		{
			name:    "remove the root",
			call:    func() error { return v.RemoveDir(v.Root()) },
			wantErr: ErrRange,
		},
		{
			name:    "remove a non-empty directory",
			call:    func() error { return v.RemoveDir(dir) },
			wantErr: ErrNotEmpty,
		},
		{
			name: "invalid name",
			call: func() error {
				e := &Entry{Name: "a:b", Type: TypeFile}
				if err := v.NewEntry(e); err != nil {
					return err
				}
				v.Root().AddChild(e)
				defer v.Root().RemoveChild(e)
				return v.CreateFile(e)
			},
			wantErr: ErrInvalidName,
		},
		{
			name: "entry without data",
			call: func() error {
				e := &Entry{Name: "x", Type: TypeFile}
				return v.ReadFile(e, 0, 1, make([]byte, v.BlockSize()))
			},
			wantErr: ErrNoSuchEntry,
		},
		{
			name: "file without parent",
			call: func() error {
				e := &Entry{Name: "x", Type: TypeFile}
				if err := v.NewEntry(e); err != nil {
					return err
				}
				return v.CreateFile(e)
			},
			wantErr: ErrNoSuchEntry,
		},
		{
			name:    "inactive entry without data",
			call:    func() error { return v.InactiveEntry(&Entry{}) },
			wantErr: ErrNoSuchEntry,
		},
		{
			name:    "file size does not match its chain",
			call:    func() error { return v.DeleteFile(broken) },
			wantErr: ErrBadData,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	testingUnmount(t, v)
	if err := v.WriteFile(file, 0, 1, make([]byte, v.BlockSize())); !errors.Is(err, ErrNotMounted) {
		t.Errorf("WriteFile() after Unmount() error = %v, want %v", err, ErrNotMounted)
	}
	if err := v.Unmount(); !errors.Is(err, ErrNotMounted) {
		t.Errorf("second Unmount() error = %v, want %v", err, ErrNotMounted)
	}
}

func TestMount_CleanFlag(t *testing.T) {
	dev := testingFormat(t, fat16Sectors, FAT16)

	isClean := func() bool {
		t.Helper()
		v, err := parseVolume(dev)
		if err != nil {
			t.Fatalf("parseVolume() error = %v", err)
		}
		clean, err := v.isClean()
		if err != nil {
			t.Fatalf("isClean() error = %v", err)
		}
		return clean
	}

	if !isClean() {
		t.Errorf("a new volume is not clean")
	}
	v := testingMount(t, dev)
	if isClean() {
		t.Errorf("a mounted volume is clean")
	}
	if v.State() != Mounted {
		t.Errorf("State() = %v, want %v", v.State(), Mounted)
	}
	testingUnmount(t, v)
	if !isClean() {
		t.Errorf("volume is not clean after Unmount()")
	}
	if v.State() != Unmounted {
		t.Errorf("State() = %v, want %v", v.State(), Unmounted)
	}
}

func TestMount_ReadOnly(t *testing.T) {
	tests := []struct {
		name string
		dev  func(t *testing.T) block.Device
		opts MountOptions
	}{
		{
			name: "read-only option",
			dev: func(t *testing.T) block.Device {
				return testingFormat(t, fat16Sectors, FAT16)
			},
			opts: MountOptions{ReadOnly: true},
		},
		{
			name: "device refuses writes",
			dev: func(t *testing.T) block.Device {
				dev := testingFormat(t, fat16Sectors, FAT16)
				dev.SetReadOnly(true)
				return dev
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Mount(tt.dev(t), tt.opts)
			if err != nil {
				t.Fatalf("Mount() error = %v", err)
			}
			if !v.ReadOnly() {
				t.Errorf("ReadOnly() = false")
			}

			e := &Entry{Name: "new", Type: TypeFile}
			if err := v.NewEntry(e); err != nil {
				t.Fatalf("NewEntry() error = %v", err)
			}
			v.Root().AddChild(e)
			if err := v.CreateFile(e); !errors.Is(err, ErrReadOnly) {
				t.Errorf("CreateFile() error = %v, want %v", err, ErrReadOnly)
			}
			if _, err := v.allocate(1); !errors.Is(err, ErrReadOnly) {
				t.Errorf("allocate() error = %v, want %v", err, ErrReadOnly)
			}
			if free, err := v.FreeBytes(); err != nil || free != 8167*2048 {
				t.Errorf("FreeBytes() = %v, %v, want %v", free, err, 8167*2048)
			}
		})
	}
}
