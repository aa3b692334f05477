// Package fat implements a FAT12/16/32 file system engine: BIOS parameter
// block parsing, the FAT accessor, the cluster allocator, the short/long name
// codec, directory operations, path resolution, and the public Volume API.
package fat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dargueta/gofat"
)

type SectorID uint32
type ClusterID uint32

// End-of-chain and free-cluster sentinels. The FAT accessor masks these down
// to the width appropriate for the volume's FAT version before comparing.
const (
	ClusterFree     = ClusterID(0)
	ClusterBad12    = ClusterID(0x0FF7)
	ClusterBad16    = ClusterID(0xFFF7)
	ClusterBad32    = ClusterID(0x0FFFFFF7)
	ClusterEOCMin12 = ClusterID(0x0FF8)
	ClusterEOCMin16 = ClusterID(0xFFF8)
	ClusterEOCMin32 = ClusterID(0x0FFFFFF8)
)

// RawBPB is the on-disk representation of the BIOS Parameter Block common to
// every FAT version (FAT 16.1 section 3).
type RawBPB struct {
	JmpBoot         [3]byte
	OEMName         [8]byte
	BytesPerSector  uint16
	SectorsPerClst  uint8
	ReservedSectors uint16
	NumFATs         uint8
	RootEntryCount  uint16
	TotalSectors16  uint16
	Media           uint8
	SectorsPerFAT16 uint16
	SectorsPerTrack uint16
	NumHeads        uint16
	HiddenSectors   uint32
	TotalSectors32  uint32
}

// RawBPB32 holds the fields that extend the common BPB on FAT32 volumes only.
type RawBPB32 struct {
	SectorsPerFAT32  uint32
	ExtFlags         uint16
	FSVersionMinor   uint8
	FSVersionMajor   uint8
	RootCluster      uint32
	FSInfoSector     uint16
	BackupBootSector uint16
	Reserved         [12]byte
	DriveNumber      uint8
	NTReserved       uint8
	ExBootSignature  uint8
	VolumeID         uint32
	VolumeLabel      [11]byte
	FileSystemType   [8]byte
}

// RawBPB1216 holds the fields that extend the common BPB on FAT12/16 volumes.
type RawBPB1216 struct {
	DriveNumber     uint8
	NTReserved      uint8
	ExBootSignature uint8
	VolumeID        uint32
	VolumeLabel     [11]byte
	FileSystemType  [8]byte
}

// BootSector is the fully parsed, version-agnostic view of a FAT volume's
// boot sector, with the derived quantities ff.c computes once at mount time
// instead of recomputing on every access.
type BootSector struct {
	RawBPB

	// Version is 12, 16, or 32, determined solely by cluster count per the FAT
	// spec (never by volume size or file extension).
	Version int

	SectorsPerFAT     uint32
	RootDirSectors    uint32
	FirstRootDirSect  SectorID
	FirstDataSector   SectorID
	FirstFATSector    SectorID
	TotalSectors      uint32
	TotalClusters     uint32
	BytesPerCluster   uint32
	DirentsPerCluster int

	// FAT32-only fields; zero-valued on FAT12/16.
	RootCluster  ClusterID
	FSInfoSector SectorID

	VolumeLabel string
	VolumeID    uint32
}

// ParseBootSector reads and validates the boot sector at the current position
// of r, which must be positioned at the start of the volume (sector 0 of the
// partition, not necessarily of the disk -- see ParsePartitions for MBR/GPT
// handling).
func ParseBootSector(r io.Reader) (*BootSector, error) {
	var raw RawBPB
	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return nil, gofat.ErrDiskFailed.Wrap(err)
	}

	switch raw.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return nil, gofat.ErrIntErr.WithMessage(fmt.Sprintf(
			"bytes per sector must be 512/1024/2048/4096, got %d", raw.BytesPerSector))
	}

	switch raw.SectorsPerClst {
	case 1, 2, 4, 8, 16, 32, 64, 128:
	default:
		return nil, gofat.ErrIntErr.WithMessage(fmt.Sprintf(
			"sectors per cluster must be a power of 2 in [1, 128], got %d", raw.SectorsPerClst))
	}

	rootDirSectors := (uint32(raw.RootEntryCount)*DirentSize + uint32(raw.BytesPerSector) - 1) /
		uint32(raw.BytesPerSector)

	var sectorsPerFAT uint32
	var bpb32 RawBPB32
	if raw.SectorsPerFAT16 != 0 {
		sectorsPerFAT = uint32(raw.SectorsPerFAT16)
	} else {
		if err := binary.Read(r, binary.LittleEndian, &bpb32); err != nil {
			return nil, gofat.ErrDiskFailed.Wrap(err)
		}
		sectorsPerFAT = bpb32.SectorsPerFAT32
	}

	totalSectors := uint32(raw.TotalSectors16)
	if totalSectors == 0 {
		totalSectors = raw.TotalSectors32
	}

	totalFATSectors := uint32(raw.NumFATs) * sectorsPerFAT
	firstDataSector := uint32(raw.ReservedSectors) + totalFATSectors + rootDirSectors
	if totalSectors < firstDataSector {
		return nil, gofat.ErrIntErr.WithMessage("total sector count smaller than reserved+FAT+root area")
	}
	dataSectors := totalSectors - firstDataSector
	totalClusters := dataSectors / uint32(raw.SectorsPerClst)

	bs := &BootSector{
		RawBPB:            raw,
		Version:           determineVersion(totalClusters),
		SectorsPerFAT:     sectorsPerFAT,
		RootDirSectors:    rootDirSectors,
		FirstFATSector:    SectorID(raw.ReservedSectors),
		FirstRootDirSect:  SectorID(uint32(raw.ReservedSectors) + totalFATSectors),
		FirstDataSector:   SectorID(firstDataSector),
		TotalSectors:      totalSectors,
		TotalClusters:     totalClusters,
		BytesPerCluster:   uint32(raw.BytesPerSector) * uint32(raw.SectorsPerClst),
		DirentsPerCluster: int(uint32(raw.BytesPerSector)*uint32(raw.SectorsPerClst)) / DirentSize,
	}

	if bs.BytesPerCluster > 32768 && bs.Version != 32 {
		return nil, gofat.ErrIntErr.WithMessage(fmt.Sprintf(
			"bytes per cluster cannot exceed 32768 on FAT12/16, got %d", bs.BytesPerCluster))
	}

	if bs.Version == 32 {
		if rootDirSectors != 0 {
			return nil, gofat.ErrIntErr.WithMessage("FAT32 volume has a nonzero fixed root directory")
		}
		bs.RootCluster = ClusterID(bpb32.RootCluster)
		bs.FSInfoSector = SectorID(bpb32.FSInfoSector)
		bs.VolumeID = bpb32.VolumeID
		bs.VolumeLabel = trimLabel(bpb32.VolumeLabel[:])
	} else {
		var bpb1216 RawBPB1216
		if err := binary.Read(r, binary.LittleEndian, &bpb1216); err != nil {
			return nil, gofat.ErrDiskFailed.Wrap(err)
		}
		bs.VolumeID = bpb1216.VolumeID
		bs.VolumeLabel = trimLabel(bpb1216.VolumeLabel[:])
	}

	return bs, nil
}

// determineVersion classifies a volume purely by cluster count, per Microsoft's
// FAT spec: file extension, volume size, and boot sector claims are all
// explicitly NOT valid ways to determine the version.
func determineVersion(totalClusters uint32) int {
	if totalClusters < 4085 {
		return 12
	}
	if totalClusters < 65525 {
		return 16
	}
	return 32
}

func trimLabel(raw []byte) string {
	end := len(raw)
	for end > 0 && raw[end-1] == ' ' {
		end--
	}
	return string(raw[:end])
}

// FSInfo is the FAT32 FSInfo sector (section 6.1): a pair of hints -- the
// last-known free cluster count and a starting point for allocation scans
// (0xFFFFFFFF means "unknown"). The free count Volume.GetFree reports does
// not come from here: newClusterAllocator scans the whole FAT at every mount.
type FSInfo struct {
	FreeCount   uint32
	NextFree    uint32
}

const (
	fsInfoLeadSig   = 0x41615252
	fsInfoStructSig = 0x61417272
	fsInfoTrailSig  = 0xAA550000
)

type rawFSInfo struct {
	LeadSig    uint32
	Reserved1  [480]byte
	StructSig  uint32
	FreeCount  uint32
	NextFree   uint32
	Reserved2  [12]byte
	TrailSig   uint32
}

// ParseFSInfo reads and validates a FAT32 FSInfo sector. An invalid signature
// is not fatal: callers should treat it the same as "values unknown" and
// rebuild both counters by scanning the FAT.
func ParseFSInfo(r io.Reader) (*FSInfo, error) {
	var raw rawFSInfo
	if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
		return nil, gofat.ErrDiskFailed.Wrap(err)
	}
	if raw.LeadSig != fsInfoLeadSig || raw.StructSig != fsInfoStructSig {
		return &FSInfo{FreeCount: 0xFFFFFFFF, NextFree: 0xFFFFFFFF}, nil
	}
	return &FSInfo{FreeCount: raw.FreeCount, NextFree: raw.NextFree}, nil
}

// EncodeFSInfo serializes an FSInfo back into its 512-byte on-disk form.
func EncodeFSInfo(info *FSInfo) []byte {
	raw := rawFSInfo{
		LeadSig:   fsInfoLeadSig,
		StructSig: fsInfoStructSig,
		FreeCount: info.FreeCount,
		NextFree:  info.NextFree,
		TrailSig:  fsInfoTrailSig,
	}
	buf := new(bytes.Buffer)
	buf.Grow(512)
	_ = binary.Write(buf, binary.LittleEndian, &raw)
	out := make([]byte, 512)
	copy(out, buf.Bytes())
	return out
}
