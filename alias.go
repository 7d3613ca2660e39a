package fatengine

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/aligator/fatengine/checkpoint"
)

// maxAliasTail is the highest number tried for the "~N" tail of a short alias.
const maxAliasTail = 99

// Characters which are valid in long names but not in short ones.
const badShortChars = "\"*+,/:;<=>?[\\]|"

// shortChar maps one character of a long name to the byte used in the short alias.
func shortChar(r rune) byte {
	switch {
	case r < 0x20 || strings.ContainsRune(badShortChars, r):
		return '_'
	case r >= 'a' && r <= 'z':
		return byte(r - 'a' + 'A')
	case r < 0x80:
		return byte(r)
	}

	if b, ok := cp437.EncodeRune(unicode.ToUpper(r)); ok && b >= 0x80 {
		return b
	}
	return '_'
}

// makeShortAlias generates the 8.3 alias of e, which must be unique among the other children of
// dir. A "~N" tail is added if the name or the extension had to be truncated or collides with a
// sibling.
func makeShortAlias(dir, e *Entry) error {
	if e.data == nil {
		return checkpoint.Wrapf(nil, ErrNoSuchEntry, "%q has no FAT data", e.Name)
	}

	var base, ext []byte
	name := e.Name
	dot := strings.LastIndexByte(name, '.')
	if dot > 0 {
		ext = mapShort(name[dot+1:])
		name = name[:dot]
	}
	base = mapShort(name)
	// Dots are only allowed as separator of the extension.
	for i, b := range base {
		if b == '.' {
			base[i] = '_'
		}
	}

	truncated := len(base) > 8 || len(ext) > 3
	if len(ext) > 3 {
		ext = ext[:3]
	}

	if !truncated && len(base) > 0 {
		alias := buildAlias(base, ext)
		if !aliasTaken(dir, e, alias) {
			e.data.shortAlias = alias
			return nil
		}
	}

	for n := 1; n <= maxAliasTail; n++ {
		tail := "~" + strconv.Itoa(n)
		pos := len(base)
		if pos > 8-len(tail) {
			pos = 8 - len(tail)
		}

		candidate := make([]byte, 0, 8)
		candidate = append(candidate, base[:pos]...)
		candidate = append(candidate, tail...)

		alias := buildAlias(candidate, ext)
		if !aliasTaken(dir, e, alias) {
			e.data.shortAlias = alias
			return nil
		}
	}

	return checkpoint.Wrapf(nil, ErrNoFree, "no short alias left for %q", e.Name)
}

// mapShort converts s to short name characters.
func mapShort(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		out = append(out, shortChar(r))
	}
	return out
}

// buildAlias pads name and extension to the 11 byte on-disk form.
func buildAlias(base, ext []byte) [11]byte {
	var alias [11]byte
	for i := range alias {
		alias[i] = ' '
	}
	copy(alias[:8], base)
	copy(alias[8:], ext)
	if alias[0] == entryDeleted {
		alias[0] = entryKanji
	}
	return alias
}

func aliasTaken(dir, e *Entry, alias [11]byte) bool {
	if dir == nil {
		return false
	}
	for _, c := range dir.Children {
		if c != e && c.data != nil && c.data.shortAlias == alias {
			return true
		}
	}
	return false
}
