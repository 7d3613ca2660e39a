// File model contains the structs which match the direct structures of the FAT filesystem.

package fatengine

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"
)

// Attributes of a directory entry.
const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
	AttrLongName  = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID
)

const (
	bootSignatureOffset = 510

	fsInfoLeadSig   = 0x41615252
	fsInfoStructSig = 0x61417272
	fsInfoTrailSig  = 0xAA550000
	fsInfoUnknown   = 0xFFFFFFFF

	extBootSignature = 0x29
)

// bootSector is the common part of the boot sector, including the BIOS parameter block.
// Specific holds either a fat16Specific or a fat32Specific.
type bootSector struct {
	JumpBoot            [3]byte
	OEMName             [8]byte
	BytesPerSector      uint16
	SectorsPerCluster   byte
	ReservedSectorCount uint16
	NumFATs             byte
	RootEntryCount      uint16
	TotalSectors16      uint16
	Media               byte
	FATSize16           uint16
	SectorsPerTrack     uint16
	NumberOfHeads       uint16
	HiddenSectors       uint32
	TotalSectors32      uint32
	Specific            [54]byte
}

type fat16Specific struct {
	DriveNumber    byte
	Reserved1      byte
	BootSignature  byte
	VolumeID       uint32
	VolumeLabel    [11]byte
	FileSystemType [8]byte
}

type fat32Specific struct {
	FATSize32      uint32
	ExtFlags       uint16
	FSVersion      uint16
	RootCluster    uint32
	FSInfo         uint16
	BkBootSector   uint16
	Reserved       [12]byte
	DriveNumber    byte
	Reserved1      byte
	BootSignature  byte
	VolumeID       uint32
	VolumeLabel    [11]byte
	FileSystemType [8]byte
}

// fsInfo is the FAT32 FSInfo sector.
type fsInfo struct {
	LeadSig   uint32
	Reserved1 [480]byte
	StructSig uint32
	FreeCount uint32
	NextFree  uint32
	Reserved2 [12]byte
	TrailSig  uint32
}

const bootSectorSize = 90

func unpack(data []byte, v interface{}) error {
	return restruct.Unpack(data, binary.LittleEndian, v)
}

func pack(v interface{}) ([]byte, error) {
	return restruct.Pack(binary.LittleEndian, v)
}
