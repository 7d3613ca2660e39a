package fatengine

import (
	"os"
	"testing"
	"time"
)

func TestEntry_FileInfo(t *testing.T) {
	modified := time.Date(2021, 3, 4, 5, 6, 8, 0, time.UTC)
	tests := []struct {
		name     string
		entry    *Entry
		wantName string
		wantSize int64
		wantMode os.FileMode
		wantDir  bool
	}{
		{
			name: "plain file",
			entry: &Entry{
				Name:     "HelloWorldThisIsALoongFileName.txt",
				Type:     TypeFile,
				Size:     42,
				Modified: modified,
				data:     &entryData{attributes: AttrArchive},
			},
			wantName: "HelloWorldThisIsALoongFileName.txt",
			wantSize: 42,
			wantMode: 0644,
		},
		{
			name: "read-only file",
			entry: &Entry{
				Name:     "README.md",
				Type:     TypeFile,
				Size:     7,
				Modified: modified,
				data:     &entryData{attributes: AttrReadOnly | AttrArchive},
			},
			wantName: "README.md",
			wantSize: 7,
			wantMode: 0444,
		},
		{
			name: "directory",
			entry: &Entry{
				Name:     "DoNotEdit_tests",
				Type:     TypeDir,
				Size:     2048,
				Modified: modified,
				data:     &entryData{attributes: AttrDirectory},
			},
			wantName: "DoNotEdit_tests",
			wantSize: 2048,
			wantMode: os.ModeDir | 0755,
			wantDir:  true,
		},
		{
			name: "root",
			entry: &Entry{
				Type: TypeDir,
				data: &entryData{attributes: AttrDirectory},
			},
			wantName: "/",
			wantMode: os.ModeDir | 0755,
			wantDir:  true,
		},
		{
			name: "detached entry",
			entry: &Entry{
				Name: "gone",
				Type: TypeFile,
			},
			wantName: "gone",
			wantMode: 0644,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.entry.FileInfo()
			if got.Name() != tt.wantName {
				t.Errorf("FileInfo().Name() = %v, want %v", got.Name(), tt.wantName)
			}
			if got.Size() != tt.wantSize {
				t.Errorf("FileInfo().Size() = %v, want %v", got.Size(), tt.wantSize)
			}
			if got.Mode() != tt.wantMode {
				t.Errorf("FileInfo().Mode() = %v, want %v", got.Mode(), tt.wantMode)
			}
			if got.IsDir() != tt.wantDir {
				t.Errorf("FileInfo().IsDir() = %v, want %v", got.IsDir(), tt.wantDir)
			}
			if !got.ModTime().Equal(tt.entry.Modified) {
				t.Errorf("FileInfo().ModTime() = %v, want %v", got.ModTime(), tt.entry.Modified)
			}
			if got.Sys() != tt.entry {
				t.Errorf("FileInfo().Sys() = %v, want the entry", got.Sys())
			}
		})
	}
}

func TestEntry_FileInfoIsSnapshot(t *testing.T) {
	e := &Entry{Name: "a.txt", Type: TypeFile, Size: 1, data: &entryData{}}
	info := e.FileInfo()
	e.Size = 100
	if info.Size() != 1 {
		t.Errorf("FileInfo().Size() = %v after a change of the entry, want 1", info.Size())
	}
}

func TestEntry_ShortName(t *testing.T) {
	tests := []struct {
		name  string
		alias [11]byte
		want  string
	}{
		{
			name:  "name and extension",
			alias: [11]byte{'H', 'E', 'L', 'L', 'O', ' ', ' ', ' ', 'T', 'X', 'T'},
			want:  "HELLO.TXT",
		},
		{
			name:  "short extension",
			alias: [11]byte{'H', 'E', 'L', 'L', 'O', ' ', ' ', ' ', 'T', 'X', ' '},
			want:  "HELLO.TX",
		},
		{
			name:  "no extension",
			alias: [11]byte{'H', 'E', 'L', 'L', 'O', ' ', ' ', ' ', ' ', ' ', ' '},
			want:  "HELLO",
		},
		{
			name:  "numeric tail",
			alias: [11]byte{'H', 'E', 'L', 'L', 'O', 'W', '~', '1', 'T', 'X', 'T'},
			want:  "HELLOW~1.TXT",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Entry{data: &entryData{shortAlias: tt.alias}}
			if got := e.ShortName(); got != tt.want {
				t.Errorf("Entry.ShortName() = %v, want %v", got, tt.want)
			}
		})
	}
}
