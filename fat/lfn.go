package fat

import (
	"encoding/binary"
	"strings"
	"unicode/utf16"
)

// RawLongDirent is the on-disk layout of one VFAT long-name fragment. Up to
// 20 of these can precede the short entry they belong to, each holding 13
// UTF-16 code units of the name, stored back-to-front (highest sequence
// number first).
type RawLongDirent struct {
	Ord        uint8
	Name1      [5]uint16
	Attr       uint8
	Type       uint8
	Checksum   uint8
	Name2      [6]uint16
	FirstClust uint16
	Name3      [2]uint16
}

// lastLFNOrdMask marks the fragment holding the tail of the name (the one
// written "first" in storage order, since fragments are stored highest
// sequence number to lowest).
const lastLFNOrdMask = 0x40

const maxLFNChars = 255
const lfnCharsPerEntry = 13

// sumShortName computes the checksum ff.c calls sum_sfn: a rolling hash over
// the 11-byte padded short name, stored in every LFN fragment so
// decodeLFNFragments can detect a short entry that was overwritten without updating its long name.
func sumShortName(shortName11 [11]byte) uint8 {
	var sum uint8
	for _, b := range shortName11 {
		sum = (sum >> 1) + (sum << 7) + b
	}
	return sum
}

// encodeLFNFragments splits a long name into the sequence of RawLongDirent
// fragments needed to store it, in on-disk order (highest ordinal first).
func encodeLFNFragments(longName string, shortName11 [11]byte) []RawLongDirent {
	units := utf16.Encode([]rune(longName))
	checksum := sumShortName(shortName11)

	numEntries := (len(units) + lfnCharsPerEntry - 1) / lfnCharsPerEntry
	if numEntries == 0 {
		numEntries = 1
	}

	fragments := make([]RawLongDirent, numEntries)
	for i := 0; i < numEntries; i++ {
		start := i * lfnCharsPerEntry
		end := start + lfnCharsPerEntry
		var chunk [lfnCharsPerEntry]uint16
		for j := range chunk {
			chunk[j] = 0xFFFF
		}
		wroteTerminator := false
		for j := 0; j < lfnCharsPerEntry; j++ {
			srcIdx := start + j
			if srcIdx < len(units) {
				chunk[j] = units[srcIdx]
			} else if !wroteTerminator {
				chunk[j] = 0x0000
				wroteTerminator = true
			}
		}

		frag := RawLongDirent{
			Ord:      uint8(i + 1),
			Attr:     AttrLongName,
			Checksum: checksum,
		}
		copy(frag.Name1[:], chunk[0:5])
		copy(frag.Name2[:], chunk[5:11])
		copy(frag.Name3[:], chunk[11:13])
		fragments[i] = frag
	}
	fragments[numEntries-1].Ord |= lastLFNOrdMask

	// Reverse into on-disk order: the entry with the highest ordinal (and the
	// "last" flag) is written first, and ordinal 1 last, immediately before
	// the short entry.
	for i, j := 0, len(fragments)-1; i < j; i, j = i+1, j-1 {
		fragments[i], fragments[j] = fragments[j], fragments[i]
	}
	return fragments
}

// decodeLFNFragments reassembles the long name from fragments collected in
// on-disk order (as encodeLFNFragments produces them). It returns "" if the
// fragments don't check out against shortName11's checksum.
func decodeLFNFragments(fragments []RawLongDirent, shortName11 [11]byte) string {
	if len(fragments) == 0 {
		return ""
	}
	expected := sumShortName(shortName11)

	// Fragments are stored highest-ordinal-first; reverse to read the name
	// front to back.
	units := make([]uint16, 0, len(fragments)*lfnCharsPerEntry)
	for i := len(fragments) - 1; i >= 0; i-- {
		frag := fragments[i]
		if frag.Checksum != expected {
			return ""
		}
		units = append(units, frag.Name1[:]...)
		units = append(units, frag.Name2[:]...)
		units = append(units, frag.Name3[:]...)
	}

	terminated := units
	for i, u := range units {
		if u == 0x0000 {
			terminated = units[:i]
			break
		}
	}
	return string(utf16.Decode(terminated))
}

func rawLongDirentFromBytes(data []byte) RawLongDirent {
	var frag RawLongDirent
	frag.Ord = data[0]
	for i := 0; i < 5; i++ {
		frag.Name1[i] = binary.LittleEndian.Uint16(data[1+2*i:])
	}
	frag.Attr = data[11]
	frag.Type = data[12]
	frag.Checksum = data[13]
	for i := 0; i < 6; i++ {
		frag.Name2[i] = binary.LittleEndian.Uint16(data[14+2*i:])
	}
	frag.FirstClust = binary.LittleEndian.Uint16(data[26:28])
	for i := 0; i < 2; i++ {
		frag.Name3[i] = binary.LittleEndian.Uint16(data[28+2*i:])
	}
	return frag
}

func rawLongDirentToBytes(frag RawLongDirent) []byte {
	data := make([]byte, DirentSize)
	data[0] = frag.Ord
	for i := 0; i < 5; i++ {
		binary.LittleEndian.PutUint16(data[1+2*i:], frag.Name1[i])
	}
	data[11] = frag.Attr
	data[12] = frag.Type
	data[13] = frag.Checksum
	for i := 0; i < 6; i++ {
		binary.LittleEndian.PutUint16(data[14+2*i:], frag.Name2[i])
	}
	binary.LittleEndian.PutUint16(data[26:28], frag.FirstClust)
	for i := 0; i < 2; i++ {
		binary.LittleEndian.PutUint16(data[28+2*i:], frag.Name3[i])
	}
	return data
}

var shortNameInvalidChars = "\"*+,./:;<=>?[\\]|"

// needsLongName reports whether name can't be represented exactly as an 8.3
// short name: wrong case, too many components, invalid characters, or either
// half too long.
func needsLongName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ToUpper(name) != name {
		return true
	}
	if strings.Count(name, ".") > 1 {
		return true
	}
	base, ext, _ := strings.Cut(name, ".")
	if len(base) > 8 || len(ext) > 3 || len(base) == 0 {
		return true
	}
	return strings.ContainsAny(name, shortNameInvalidChars) || strings.Contains(name, " ")
}

// buildBaseShortName derives the unadorned 8.3 body/extension pair used as
// input to generateNumericTail: the name uppercased, stripped of invalid
// characters and extra dots, and truncated to 8/3.
func buildBaseShortName(name string) (base string, ext string) {
	name = strings.ToUpper(strings.TrimLeft(name, "."))
	base = name
	ext = ""
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		base, ext = name[:idx], name[idx+1:]
	}

	strip := func(s string) string {
		var b strings.Builder
		for _, r := range s {
			if r == ' ' || r == '.' || strings.ContainsRune(shortNameInvalidChars, r) {
				continue
			}
			b.WriteRune(r)
		}
		return b.String()
	}
	base = strip(base)
	ext = strip(ext)

	if len(base) > 8 {
		base = base[:8]
	}
	if len(ext) > 3 {
		ext = ext[:3]
	}
	if base == "" {
		base = "_"
	}
	return base, ext
}

// generateNumericTail implements ff.c's gen_numname: produce a unique 8.3 name
// of the form "BASENA~N.EXT" for the Nth collision, falling back to a CRC-like
// hash of the long name once N exceeds 5 so names don't keep growing for
// directories with many similarly-prefixed long names.
func generateNumericTail(base, ext string, longName string, seq int) (string, string) {
	n := seq
	if seq > 5 {
		var sr uint32 = uint32(seq)
		for _, r := range longName {
			wc := uint32(r)
			for i := 0; i < 16; i++ {
				sr = (sr << 1) + (wc & 1)
				wc >>= 1
				if sr&0x10000 != 0 {
					sr ^= 0x11021
				}
			}
		}
		n = int(sr & 0xFFFFFFFF)
	}

	tail := fmtHexTail(n)
	maxBaseLen := 8 - len(tail)
	if maxBaseLen < 1 {
		maxBaseLen = 1
	}
	if len(base) > maxBaseLen {
		base = base[:maxBaseLen]
	}
	return base + tail, ext
}

// fmtHexTail renders "~" followed by n in uppercase hex, e.g. fmtHexTail(1)
// == "~1", fmtHexTail(0xBEEF) == "~BEEF".
func fmtHexTail(n int) string {
	const digits = "0123456789ABCDEF"
	if n == 0 {
		return "~0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%16]
		n /= 16
	}
	return "~" + string(buf[i:])
}

// padShortName11 pads base/ext into the fixed 8+3 on-disk layout.
func padShortName11(base, ext string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	copy(out[0:8], base)
	copy(out[8:11], ext)
	return out
}

// encodeShortName11 turns a dotted short name ("FOO.TXT", ".", "..") into its
// on-disk 11-byte form. The dot entries are a special case: unlike every other
// short name, their literal "." or ".." bytes occupy the name field with no
// separate extension, so they can't go through the body/extension split every
// other short name uses.
func encodeShortName11(shortName string) [11]byte {
	if shortName == "." || shortName == ".." {
		var out [11]byte
		for i := range out {
			out[i] = ' '
		}
		copy(out[:], shortName)
		return out
	}
	base, ext := splitShortName(shortName)
	return padShortName11(base, ext)
}
