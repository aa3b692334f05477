package fat

import (
	"encoding/binary"
	"os"
	"strings"
	"time"

	"github.com/dargueta/gofat"
)

// fatEpoch is 1980-01-01 00:00:00, the earliest representable FAT timestamp.
var fatEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	AttrReadOnly    = 0x01
	AttrHidden      = 0x02
	AttrSystem      = 0x04
	AttrVolumeLabel = 0x08
	AttrDirectory   = 0x10
	AttrArchive     = 0x20
	AttrDevice      = 0x40
	AttrReserved    = 0x80

	// AttrLongName is the attribute byte combination that marks a 32-byte
	// record as an LFN fragment rather than a short entry: a directory entry
	// can never legitimately have all four of these bits set at once.
	AttrLongName = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeLabel
)

// DirentSize is the size of a single raw 32-byte directory record, short or
// long.
const DirentSize = 32

const direntFreeMarker = 0x00
const direntDeletedMarker = 0xE5

// RawShortDirent is the on-disk layout of a short (8.3) directory entry.
type RawShortDirent struct {
	Name              [8]byte
	Extension         [3]byte
	AttributeFlags    uint8
	NTReserved        uint8
	CreatedTimeTenths uint8
	CreatedTime       uint16
	CreatedDate       uint16
	LastAccessedDate  uint16
	FirstClusterHigh  uint16
	LastModifiedTime  uint16
	LastModifiedDate  uint16
	FirstClusterLow   uint16
	FileSize          uint32
}

// Dirent is the fully decoded view of a directory entry: the short-entry
// fields in friendly types, plus the long name if one was attached via LFN
// fragments.
type Dirent struct {
	ShortName    string // 8.3 form, e.g. "LONGNA~1.TXT"
	LongName     string // "" if no LFN fragments preceded this entry
	Attributes   uint8
	FirstCluster ClusterID
	Size         uint32

	CreatedAt    time.Time
	LastAccessed time.Time
	LastModified time.Time

	// dirIndex locates the short entry's physical slot within its containing
	// directory (paired with the dirHandle the caller already has, since a
	// Dirent alone doesn't know which directory it came from) so the caller
	// can overwrite or free it in place. It's 0 for an entry that hasn't been
	// written yet.
	dirIndex int
	// slfnCount is how many consecutive LFN fragments precede the short
	// entry, needed by dirRemove to tombstone the whole run.
	slfnCount int

	deleted bool
}

// Name returns the long name if present, otherwise the short name.
func (d *Dirent) Name() string {
	if d.LongName != "" {
		return d.LongName
	}
	return d.ShortName
}

func (d *Dirent) IsDir() bool       { return d.Attributes&AttrDirectory != 0 }
func (d *Dirent) IsVolumeLabel() bool { return d.Attributes&AttrVolumeLabel != 0 }
func (d *Dirent) IsReadOnly() bool  { return d.Attributes&AttrReadOnly != 0 }

// Mode converts the FAT attribute byte into an os.FileMode. FAT has no
// executable bit, so files are always reported as executable by everyone.
func (d *Dirent) Mode() os.FileMode {
	var mode os.FileMode
	if d.IsReadOnly() {
		mode = 0o555
	} else {
		mode = 0o777
	}
	if d.IsDir() {
		mode |= os.ModeDir
	}
	return mode
}

func (d *Dirent) Stat(bytesPerCluster uint32) gofat.FileStat {
	size := int64(d.Size)
	numClusters := size / int64(bytesPerCluster)
	if size%int64(bytesPerCluster) != 0 {
		numClusters++
	}
	return gofat.FileStat{
		InodeNumber:  uint64(d.FirstCluster),
		Nlinks:       1,
		ModeFlags:    d.Mode(),
		Size:         size,
		BlockSize:    int64(bytesPerCluster),
		NumBlocks:    numClusters,
		CreatedAt:    d.CreatedAt,
		LastAccessed: d.LastAccessed,
		LastModified: d.LastModified,
	}
}

func decodeFATDate(value uint16) (year int, month time.Month, day int) {
	day = int(value & 0x1F)
	month = time.Month((value >> 5) & 0x0F)
	year = 1980 + int(value>>9)
	return
}

func decodeFATTimestamp(datePart, timePart uint16, tenths uint8) time.Time {
	year, month, day := decodeFATDate(datePart)
	if day == 0 {
		day = 1
	}
	if month == 0 {
		month = 1
	}
	seconds := int(timePart&0x1F) * 2
	minutes := int((timePart >> 5) & 0x3F)
	hours := int(timePart >> 11)
	nanos := int(tenths) * 10 * int(time.Millisecond)
	return time.Date(year, month, day, hours, minutes, seconds, nanos, time.UTC)
}

func encodeFATDate(t time.Time) uint16 {
	year := t.Year()
	if year < 1980 {
		year = 1980
	}
	return uint16((year-1980)<<9) | uint16(t.Month())<<5 | uint16(t.Day())
}

func encodeFATTime(t time.Time) uint16 {
	return uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
}

// decodeShortDirent turns a 32-byte on-disk record into a Dirent. It assumes
// the record is not an LFN fragment (callers check the attribute byte first)
// and not free/deleted (callers check the first name byte first).
func decodeShortDirent(raw RawShortDirent) Dirent {
	firstCluster := ClusterID(uint32(raw.FirstClusterHigh)<<16 | uint32(raw.FirstClusterLow))

	name := string(raw.Name[:])
	if name[0] == 0x05 {
		// 0x05 stands in for a real leading 0xE5 byte, which would otherwise
		// be mistaken for the deleted-entry marker.
		name = "\xE5" + name[1:]
	}
	trimmedName := strings.TrimRight(name, " ")
	trimmedExt := strings.TrimRight(string(raw.Extension[:]), " ")

	shortName := trimmedName
	if trimmedExt != "" {
		shortName = trimmedName + "." + trimmedExt
	}

	return Dirent{
		ShortName:    shortName,
		Attributes:   raw.AttributeFlags,
		FirstCluster: firstCluster,
		Size:         raw.FileSize,
		CreatedAt:    decodeFATTimestamp(raw.CreatedDate, raw.CreatedTime, raw.CreatedTimeTenths),
		LastAccessed: func() time.Time { y, m, d := decodeFATDate(raw.LastAccessedDate); return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }(),
		LastModified: decodeFATTimestamp(raw.LastModifiedDate, raw.LastModifiedTime, 0),
	}
}

// encodeShortDirent serializes a Dirent's short-entry fields back to their
// on-disk 32-byte form. name11 must already be a padded, validated 8.3 name
// (see padShortName11).
func encodeShortDirent(d *Dirent, name11 [11]byte) RawShortDirent {
	raw := RawShortDirent{
		AttributeFlags:   d.Attributes,
		FirstClusterHigh: uint16(uint32(d.FirstCluster) >> 16),
		FirstClusterLow:  uint16(uint32(d.FirstCluster) & 0xFFFF),
		FileSize:         d.Size,
		CreatedDate:      encodeFATDate(d.CreatedAt),
		CreatedTime:      encodeFATTime(d.CreatedAt),
		LastAccessedDate: encodeFATDate(d.LastAccessed),
		LastModifiedDate: encodeFATDate(d.LastModified),
		LastModifiedTime: encodeFATTime(d.LastModified),
	}
	copy(raw.Name[:], name11[:8])
	copy(raw.Extension[:], name11[8:11])
	return raw
}

func parseRawShortDirent(data []byte) RawShortDirent {
	var raw RawShortDirent
	copy(raw.Name[:], data[0:8])
	copy(raw.Extension[:], data[8:11])
	raw.AttributeFlags = data[11]
	raw.NTReserved = data[12]
	raw.CreatedTimeTenths = data[13]
	raw.CreatedTime = binary.LittleEndian.Uint16(data[14:16])
	raw.CreatedDate = binary.LittleEndian.Uint16(data[16:18])
	raw.LastAccessedDate = binary.LittleEndian.Uint16(data[18:20])
	raw.FirstClusterHigh = binary.LittleEndian.Uint16(data[20:22])
	raw.LastModifiedTime = binary.LittleEndian.Uint16(data[22:24])
	raw.LastModifiedDate = binary.LittleEndian.Uint16(data[24:26])
	raw.FirstClusterLow = binary.LittleEndian.Uint16(data[26:28])
	raw.FileSize = binary.LittleEndian.Uint32(data[28:32])
	return raw
}

func encodeRawRecord(raw RawShortDirent) []byte {
	data := make([]byte, DirentSize)
	copy(data[0:8], raw.Name[:])
	copy(data[8:11], raw.Extension[:])
	data[11] = raw.AttributeFlags
	data[12] = raw.NTReserved
	data[13] = raw.CreatedTimeTenths
	binary.LittleEndian.PutUint16(data[14:16], raw.CreatedTime)
	binary.LittleEndian.PutUint16(data[16:18], raw.CreatedDate)
	binary.LittleEndian.PutUint16(data[18:20], raw.LastAccessedDate)
	binary.LittleEndian.PutUint16(data[20:22], raw.FirstClusterHigh)
	binary.LittleEndian.PutUint16(data[22:24], raw.LastModifiedTime)
	binary.LittleEndian.PutUint16(data[24:26], raw.LastModifiedDate)
	binary.LittleEndian.PutUint16(data[26:28], raw.FirstClusterLow)
	binary.LittleEndian.PutUint32(data[28:32], raw.FileSize)
	return data
}
