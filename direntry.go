package fatengine

import (
	"encoding/binary"
	"strings"

	"github.com/aligator/fatengine/checkpoint"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

const (
	dirEntrySize = 32

	entryEnd     = 0x00
	entryDeleted = 0xE5
	// entryKanji replaces a real 0xE5 as first character of a short name.
	entryKanji = 0x05

	lfnLast       = 0x40
	lfnUnits      = 13
	maxLFNEntries = 20
	maxNameUnits  = 255
)

// Byte offsets of the fields of a short directory entry.
const (
	offName         = 0
	offAttr         = 11
	offNTReserved   = 12
	offCreateTenth  = 13
	offCreateTime   = 14
	offCreateDate   = 16
	offAccessDate   = 18
	offClusterHigh  = 20
	offWriteTime    = 22
	offWriteDate    = 24
	offClusterLow   = 26
	offFileSize     = 28
	offLFNChecksum  = 13
	offLFNAttrType  = 12
	offLFNFirstClus = 26
)

// Positions of the 13 name units inside of a long name entry.
var lfnUnitOffsets = [lfnUnits]int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}

var (
	utf16Codec = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	cp437      = charmap.CodePage437
)

// shortEntry is a decoded short directory entry.
type shortEntry struct {
	name         [11]byte
	attributes   byte
	reserved     byte
	createTenth  byte
	createTime   uint16
	createDate   uint16
	accessDate   uint16
	writeTime    uint16
	writeDate    uint16
	startCluster uint32
	size         uint32
}

func decodeShortEntry(raw []byte) shortEntry {
	var s shortEntry
	copy(s.name[:], raw[offName:offName+11])
	s.attributes = raw[offAttr]
	s.reserved = raw[offNTReserved]
	s.createTenth = raw[offCreateTenth]
	s.createTime = binary.LittleEndian.Uint16(raw[offCreateTime:])
	s.createDate = binary.LittleEndian.Uint16(raw[offCreateDate:])
	s.accessDate = binary.LittleEndian.Uint16(raw[offAccessDate:])
	s.writeTime = binary.LittleEndian.Uint16(raw[offWriteTime:])
	s.writeDate = binary.LittleEndian.Uint16(raw[offWriteDate:])
	s.startCluster = uint32(binary.LittleEndian.Uint16(raw[offClusterHigh:]))<<16 |
		uint32(binary.LittleEndian.Uint16(raw[offClusterLow:]))
	s.size = binary.LittleEndian.Uint32(raw[offFileSize:])
	return s
}

func (s shortEntry) encode(raw []byte) {
	copy(raw[offName:offName+11], s.name[:])
	raw[offAttr] = s.attributes
	raw[offNTReserved] = s.reserved
	raw[offCreateTenth] = s.createTenth
	binary.LittleEndian.PutUint16(raw[offCreateTime:], s.createTime)
	binary.LittleEndian.PutUint16(raw[offCreateDate:], s.createDate)
	binary.LittleEndian.PutUint16(raw[offAccessDate:], s.accessDate)
	binary.LittleEndian.PutUint16(raw[offClusterHigh:], uint16(s.startCluster>>16))
	binary.LittleEndian.PutUint16(raw[offWriteTime:], s.writeTime)
	binary.LittleEndian.PutUint16(raw[offWriteDate:], s.writeDate)
	binary.LittleEndian.PutUint16(raw[offClusterLow:], uint16(s.startCluster))
	binary.LittleEndian.PutUint32(raw[offFileSize:], s.size)
}

// isLongName reports whether a raw entry is a long name fragment.
func isLongName(raw []byte) bool {
	return raw[offAttr]&0x3F == AttrLongName
}

func isDotEntry(name []byte) bool {
	return string(name) == ".          " || string(name) == "..         "
}

// shortChecksum computes the checksum which ties long name fragments to their short entry.
func shortChecksum(name []byte) byte {
	var sum byte
	for _, b := range name[:11] {
		sum = ((sum&1)<<7 | (sum&0xFE)>>1) + b
	}
	return sum
}

// decodeShort converts bytes of a short name using code page 437.
func decodeShort(raw []byte) string {
	plain := true
	for _, b := range raw {
		if b >= 0x80 {
			plain = false
			break
		}
	}
	if plain {
		return string(raw)
	}

	s, err := cp437.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(s)
}

// shortDisplayName turns an 11 byte short name into "NAME.EXT".
func shortDisplayName(name []byte, lower bool) string {
	n := make([]byte, 11)
	copy(n, name)
	if n[0] == entryKanji {
		n[0] = entryDeleted
	}

	base := strings.TrimRight(decodeShort(n[:8]), " ")
	ext := strings.TrimRight(decodeShort(n[8:11]), " ")
	if ext != "" {
		base += "." + ext
	}
	if lower {
		return strings.ToLower(base)
	}
	return base
}

// longNameEntries encodes name as long name fragments in on-disk order, the fragment with the
// highest ordinal first.
func longNameEntries(name string, checksum byte) ([]byte, error) {
	encoded, err := utf16Codec.NewEncoder().Bytes([]byte(name))
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrInvalidName)
	}
	units := make([]uint16, len(encoded)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(encoded[i*2:])
	}
	if len(units) == 0 || len(units) > maxNameUnits {
		return nil, checkpoint.Wrapf(nil, ErrInvalidName, "%d UTF-16 units", len(units))
	}

	count := (len(units) + lfnUnits - 1) / lfnUnits
	out := make([]byte, count*dirEntrySize)
	for n := 1; n <= count; n++ {
		raw := out[(count-n)*dirEntrySize : (count-n+1)*dirEntrySize]
		raw[0] = byte(n)
		if n == count {
			raw[0] |= lfnLast
		}
		raw[offAttr] = AttrLongName
		raw[offLFNAttrType] = 0
		raw[offLFNChecksum] = checksum
		binary.LittleEndian.PutUint16(raw[offLFNFirstClus:], 0)

		for k, off := range lfnUnitOffsets {
			i := (n-1)*lfnUnits + k
			var u uint16
			switch {
			case i < len(units):
				u = units[i]
			case i == len(units):
				u = 0x0000
			default:
				u = 0xFFFF
			}
			binary.LittleEndian.PutUint16(raw[off:], u)
		}
	}
	return out, nil
}

// longNameBefore reconstructs the long name which belongs to the short entry at index in buf,
// walking the fragments backwards. It returns "" if there is no valid long name.
func longNameBefore(buf []byte, index int, checksum byte) string {
	var units []uint16
	ordinal := byte(1)
	complete := false
	for i := index - dirEntrySize; i >= 0 && !complete; i -= dirEntrySize {
		raw := buf[i : i+dirEntrySize]
		if raw[0] == entryDeleted || !isLongName(raw) {
			return ""
		}
		if raw[0]&^lfnLast != ordinal || raw[offLFNChecksum] != checksum {
			return ""
		}

		for _, off := range lfnUnitOffsets {
			units = append(units, binary.LittleEndian.Uint16(raw[off:]))
		}
		complete = raw[0]&lfnLast != 0
		ordinal++
		if !complete && ordinal > maxLFNEntries {
			return ""
		}
	}
	if !complete {
		return ""
	}

	raw := make([]byte, 0, len(units)*2)
	for _, u := range units {
		if u == 0 {
			break
		}
		raw = append(raw, byte(u), byte(u>>8))
	}
	if len(raw) == 0 {
		return ""
	}
	name, err := utf16Codec.NewDecoder().Bytes(raw)
	if err != nil {
		return ""
	}
	return string(name)
}

// equalFold compares names like FAT does, case-insensitively.
func equalFold(a, b string) bool {
	return strings.EqualFold(a, b)
}
