package fatengine

import (
	"bytes"
	"errors"
	"testing"

	"github.com/aligator/fatengine/block"
	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"
)

// testingLink stores the chain clusters[0] -> clusters[1] -> ... -> end of chain.
func testingLink(t *testing.T, v *Volume, clusters ...uint32) {
	t.Helper()
	for i, c := range clusters {
		next := v.terminal
		if i+1 < len(clusters) {
			next = clusters[i+1]
		}
		if err := v.setEntry(c, next); err != nil {
			t.Fatalf("setEntry(%d) error = %v", c, err)
		}
	}
}

func TestVolume_readChain(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	mem := testingFormat(t, fat16Sectors, FAT16)

	// All reads of the data region are recorded as runs of clusters.
	var dataReads []run
	var firstDataSector uint64
	spc := uint64(4)

	dev := block.NewMockDevice(mockCtrl)
	dev.EXPECT().SectorSize().Return(mem.SectorSize()).AnyTimes()
	dev.EXPECT().Sectors().Return(mem.Sectors()).AnyTimes()
	dev.EXPECT().WriteSectors(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(mem.WriteSectors).AnyTimes()
	dev.EXPECT().ReadSectors(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(func(start uint64, count int, buf []byte) error {
		if firstDataSector != 0 && start >= firstDataSector {
			dataReads = append(dataReads, run{
				first: uint32((start-firstDataSector)/spc) + firstCluster,
				count: uint32(uint64(count) / spc),
			})
		}
		return mem.ReadSectors(start, count, buf)
	}).AnyTimes()

	v, err := parseVolume(dev)
	if err != nil {
		t.Fatalf("parseVolume() error = %v", err)
	}
	firstDataSector = uint64(v.firstDataSector)
	if uint64(v.sectorsPerCluster) != spc {
		t.Fatalf("volume has %d sectors per cluster, want %d", v.sectorsPerCluster, spc)
	}

	testingLink(t, v, 10, 11, 12, 20, 21)
	content := testingData(5 * int(v.clusterBytes))
	if err := v.writeChain(10, 0, 5, content); err != nil {
		t.Fatalf("writeChain() error = %v", err)
	}

	tests := []struct {
		name      string
		skip      uint32
		count     uint32
		wantReads []run
		wantErr   error
	}{
		{
			name:      "whole chain",
			count:     5,
			wantReads: []run{{10, 3}, {20, 2}},
		},
		{
			name:      "inside of the first run",
			skip:      1,
			count:     2,
			wantReads: []run{{11, 2}},
		},
		{
			name:      "across the jump",
			skip:      2,
			count:     2,
			wantReads: []run{{12, 1}, {20, 1}},
		},
		{
			name:    "behind the end",
			skip:    3,
			count:   3,
			wantErr: ErrNoData,
		},
		{
			name:    "skip behind the end",
			skip:    5,
			count:   1,
			wantErr: ErrNoData,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dataReads = nil
			buf := make([]byte, tt.count*v.clusterBytes)
			err := v.readChain(10, tt.skip, tt.count, buf)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("readChain() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr != nil {
				return
			}
			if diff := cmp.Diff(tt.wantReads, dataReads, cmp.AllowUnexported(run{})); diff != "" {
				t.Errorf("device reads mismatch (-want +got):\n%s", diff)
			}
			want := content[tt.skip*v.clusterBytes : (tt.skip+tt.count)*v.clusterBytes]
			if !bytes.Equal(buf, want) {
				t.Errorf("readChain() returned wrong data")
			}
		})
	}
}

func TestVolume_chainErrors(t *testing.T) {
	v := testingParse(t, fat16Sectors, FAT16)
	testingLink(t, v, 10, 11, 12)
	// 30 -> 31 -> 30
	if err := v.setEntry(30, 31); err != nil {
		t.Fatal(err)
	}
	if err := v.setEntry(31, 30); err != nil {
		t.Fatal(err)
	}
	// 40 -> 1
	if err := v.setEntry(40, 1); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		start   uint32
		want    uint32
		wantErr error
	}{
		{
			name:  "empty chain",
			start: 0,
			want:  0,
		},
		{
			name:  "three clusters",
			start: 10,
			want:  3,
		},
		{
			name:    "loop",
			start:   30,
			wantErr: ErrBadData,
		},
		{
			name:    "reserved cluster inside",
			start:   40,
			wantErr: ErrBadData,
		},
		{
			name:    "start behind the last cluster",
			start:   v.dataClusters + firstCluster,
			wantErr: ErrBadData,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.chainLength(tt.start)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("chainLength() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("chainLength() = %v, want %v", got, tt.want)
			}
		})
	}

	if err := v.readChain(10, 0, 2, make([]byte, v.clusterBytes)); !errors.Is(err, ErrBounds) {
		t.Errorf("readChain() with a short buffer error = %v, want %v", err, ErrBounds)
	}
	if _, err := v.chainRuns(0, 0, 1); !errors.Is(err, ErrNoData) {
		t.Errorf("chainRuns() of the empty chain error = %v, want %v", err, ErrNoData)
	}
	if got, err := v.clusterAt(10, 2); err != nil || got != 12 {
		t.Errorf("clusterAt(10, 2) = %v, %v, want 12", got, err)
	}
}

func TestVolume_isFragmented(t *testing.T) {
	v := testingParse(t, fat16Sectors, FAT16)
	testingLink(t, v, 10, 11, 12)
	testingLink(t, v, 20, 22)
	testingLink(t, v, 30)

	tests := []struct {
		name  string
		start uint32
		want  bool
	}{
		{name: "contiguous", start: 10, want: false},
		{name: "with a jump", start: 20, want: true},
		{name: "single cluster", start: 30, want: false},
		{name: "empty", start: 0, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.isFragmented(tt.start)
			if err != nil {
				t.Fatalf("isFragmented() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("isFragmented() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVolume_writeSectors_ReadOnlyDevice(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	mem := testingFormat(t, fat16Sectors, FAT16)
	v, err := parseVolume(mem)
	if err != nil {
		t.Fatalf("parseVolume() error = %v", err)
	}

	// The device must see exactly one write.
	dev := block.NewMockDevice(mockCtrl)
	dev.EXPECT().WriteSectors(gomock.Any(), gomock.Any(), gomock.Any()).Return(block.ErrReadOnly).Times(1)
	v.dev = dev

	if err := v.writeSectors(100, 1, make([]byte, 512)); !errors.Is(err, ErrReadOnly) || !errors.Is(err, block.ErrReadOnly) {
		t.Errorf("writeSectors() error = %v, want %v", err, ErrReadOnly)
	}
	if !v.ReadOnly() {
		t.Errorf("ReadOnly() = false after the device refused a write")
	}
	if err := v.writeSectors(100, 1, make([]byte, 512)); !errors.Is(err, ErrReadOnly) {
		t.Errorf("second writeSectors() error = %v, want %v", err, ErrReadOnly)
	}
}
