package fatengine

import (
	"errors"
	"testing"

	"github.com/aligator/fatengine/block"
	"github.com/google/go-cmp/cmp"
)

func TestPlanFormat(t *testing.T) {
	type args struct {
		total uint64
		typ   FSType
	}
	tests := []struct {
		name    string
		args    args
		want    formatLayout
		wantErr error
	}{
		{
			name: "1.44MB floppy",
			args: args{total: 2880, typ: FSTypeAuto},
			want: formatLayout{fsType: FAT12, sectorsPerCluster: 1, reservedSectors: 1, rootEntries: 224, fatSectors: 9, clusters: 2847, media: 0xF0},
		},
		{
			name: "4MB FAT12",
			args: args{total: 8192, typ: FSTypeAuto},
			want: formatLayout{fsType: FAT12, sectorsPerCluster: 2, reservedSectors: 1, rootEntries: 512, fatSectors: 12, clusters: 4067, media: 0xF8},
		},
		{
			name: "16MB FAT16",
			args: args{total: 32768, typ: FSTypeAuto},
			want: formatLayout{fsType: FAT16, sectorsPerCluster: 4, reservedSectors: 1, rootEntries: 512, fatSectors: 32, clusters: 8167, media: 0xF8},
		},
		{
			name: "35MB chooses FAT16",
			args: args{total: 70000, typ: FSTypeAuto},
			want: formatLayout{fsType: FAT16, sectorsPerCluster: 4, reservedSectors: 1, rootEntries: 512, fatSectors: 69, clusters: 17457, media: 0xF8},
		},
		{
			name: "35MB forced FAT32",
			args: args{total: 70000, typ: FAT32},
			want: formatLayout{fsType: FAT32, sectorsPerCluster: 1, reservedSectors: 32, rootEntries: 0, fatSectors: 539, clusters: 68890, media: 0xF8},
		},
		{
			name:    "too small for FAT16",
			args:    args{total: 1000, typ: FAT16},
			wantErr: ErrBounds,
		},
		{
			name:    "too small for FAT32",
			args:    args{total: 10000, typ: FAT32},
			wantErr: ErrBounds,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := planFormat(tt.args.total, 512, tt.args.typ)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("planFormat() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(formatLayout{})); diff != "" {
				t.Errorf("planFormat() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name       string
		sectors    uint64
		opts       FormatOptions
		wantType   FSType
		wantLabel  string
		wantFree   uint64
		wantBlocks uint32
	}{
		{
			name:       "FAT12 with label",
			sectors:    2880,
			opts:       FormatOptions{Label: "floppy"},
			wantType:   FAT12,
			wantLabel:  "FLOPPY",
			wantFree:   2847 * 512,
			wantBlocks: 512,
		},
		{
			name:       "FAT16",
			sectors:    fat16Sectors,
			opts:       FormatOptions{Type: FAT16},
			wantType:   FAT16,
			wantFree:   8167 * 2048,
			wantBlocks: 2048,
		},
		{
			name:       "FAT32 with label, the root uses one cluster",
			sectors:    fat32Sectors,
			opts:       FormatOptions{Type: FAT32, Label: "USB STICK"},
			wantType:   FAT32,
			wantLabel:  "USB STICK",
			wantFree:   (68890 - 1) * 512,
			wantBlocks: 512,
		},
		{
			name:       "long format",
			sectors:    fat12Sectors,
			opts:       FormatOptions{Long: true},
			wantType:   FAT12,
			wantFree:   4067 * 1024,
			wantBlocks: 1024,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := block.NewMem(512, tt.sectors)
			progress := &Progress{}
			if err := Format(dev, tt.opts, progress); err != nil {
				t.Fatalf("Format() error = %v", err)
			}
			if progress.Percent() != 100 {
				t.Errorf("Progress.Percent() = %v, want 100", progress.Percent())
			}
			if failed, _ := progress.Failed(); failed {
				t.Errorf("Progress.Failed() = true after success")
			}

			ok, err := Detect(dev)
			if err != nil || !ok {
				t.Fatalf("Detect() = %v, %v, want true", ok, err)
			}

			v := testingMount(t, dev)
			if v.Type() != tt.wantType {
				t.Errorf("Volume.Type() = %v, want %v", v.Type(), tt.wantType)
			}
			if v.Label() != tt.wantLabel {
				t.Errorf("Volume.Label() = %q, want %q", v.Label(), tt.wantLabel)
			}
			if v.BlockSize() != tt.wantBlocks {
				t.Errorf("Volume.BlockSize() = %v, want %v", v.BlockSize(), tt.wantBlocks)
			}
			free, err := v.FreeBytes()
			if err != nil {
				t.Fatalf("FreeBytes() error = %v", err)
			}
			if free != tt.wantFree {
				t.Errorf("FreeBytes() = %v, want %v", free, tt.wantFree)
			}
			if len(v.Root().Children) != 0 {
				t.Errorf("root of a new volume has %d entries", len(v.Root().Children))
			}
			if err := v.Unmount(); err != nil {
				t.Errorf("Unmount() error = %v", err)
			}
		})
	}
}

func TestFormat_Failure(t *testing.T) {
	tests := []struct {
		name    string
		dev     func() block.Device
		opts    FormatOptions
		wantErr error
	}{
		{
			name:    "odd sector size",
			dev:     func() block.Device { return block.NewMem(520, 4096) },
			wantErr: ErrBounds,
		},
		{
			name: "read-only device",
			dev: func() block.Device {
				m := block.NewMem(512, 4096)
				m.SetReadOnly(true)
				return m
			},
			wantErr: ErrReadOnly,
		},
		{
			name:    "label too long",
			dev:     func() block.Device { return block.NewMem(512, 4096) },
			opts:    FormatOptions{Label: "much too long"},
			wantErr: ErrInvalidName,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			progress := &Progress{}
			err := Format(tt.dev(), tt.opts, progress)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Format() error = %v, wantErr %v", err, tt.wantErr)
			}
			if failed, msg := progress.Failed(); !failed || msg == "" {
				t.Errorf("Progress.Failed() = %v, %q, want the error", failed, msg)
			}
		})
	}
}

func TestDetect(t *testing.T) {
	ntfs := testingFormat(t, fat16Sectors, FAT16)
	copy(ntfs.Bytes()[3:11], "NTFS    ")

	tests := []struct {
		name string
		dev  block.Device
		want bool
	}{
		{
			name: "FAT12",
			dev:  testingFormat(t, 2880, FSTypeAuto),
			want: true,
		},
		{
			name: "FAT32",
			dev:  testingFormat(t, fat32Sectors, FAT32),
			want: true,
		},
		{
			name: "empty device",
			dev:  block.NewMem(512, 64),
			want: false,
		},
		{
			name: "NTFS",
			dev:  ntfs,
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Detect(tt.dev)
			if err != nil {
				t.Fatalf("Detect() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Detect() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClobber(t *testing.T) {
	tests := []struct {
		name    string
		dev     *block.Mem
		backups []int
	}{
		{
			name: "FAT16",
			dev:  testingFormat(t, fat16Sectors, FAT16),
		},
		{
			name:    "FAT32 with backup boot sector",
			dev:     testingFormat(t, fat32Sectors, FAT32),
			backups: []int{6},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Clobber(tt.dev); err != nil {
				t.Fatalf("Clobber() error = %v", err)
			}
			if ok, err := Detect(tt.dev); err != nil || ok {
				t.Errorf("Detect() after Clobber() = %v, %v, want false", ok, err)
			}
			if _, err := Mount(tt.dev, MountOptions{}); !errors.Is(err, ErrBadData) {
				t.Errorf("Mount() after Clobber() error = %v, want %v", err, ErrBadData)
			}
			for _, sector := range tt.backups {
				raw := tt.dev.Bytes()[sector*512 : (sector+1)*512]
				if raw[bootSignatureOffset] != 0 || raw[bootSignatureOffset+1] != 0 {
					t.Errorf("backup boot sector %d still has its signature", sector)
				}
			}
		})
	}
}
