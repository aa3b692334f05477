package fat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/dargueta/gofat"
)

// mbrSignature is the two-byte 0x55AA trailer that marks a sector as a valid
// MBR, EBR, or FAT volume boot sector.
const mbrSignature = 0xAA55

const mbrPartitionTableOffset = 0x1BE
const mbrPartitionEntrySize = 16
const mbrMaxPrimaryPartitions = 4

// Partition types that matter for locating a FAT volume or an extended
// partition chain. This isn't an exhaustive list of the MBR partition type
// byte -- just the ones find_volume-style scanning needs to recognize.
const (
	PartTypeEmpty       = 0x00
	PartTypeFAT12       = 0x01
	PartTypeFAT16Small  = 0x04
	PartTypeExtendedCHS = 0x05
	PartTypeFAT16       = 0x06
	PartTypeNTFSOrExFAT = 0x07
	PartTypeFAT32CHS    = 0x0B
	PartTypeFAT32LBA    = 0x0C
	PartTypeFAT16LBA    = 0x0E
	PartTypeExtendedLBA = 0x0F
	PartTypeGPTProtective = 0xEE
)

// Partition describes one partition entry found while scanning a disk image,
// whether it came from the MBR, an EBR in the extended chain, or a GPT entry.
type Partition struct {
	Type       byte
	Bootable   bool
	StartLBA   uint32
	SizeLBA    uint32
	GPTTypeGUID uuid.UUID
	GPTPartGUID uuid.UUID
	GPTName     string
}

func (p *Partition) IsFAT() bool {
	switch p.Type {
	case PartTypeFAT12, PartTypeFAT16Small, PartTypeFAT16, PartTypeFAT32CHS,
		PartTypeFAT32LBA, PartTypeFAT16LBA:
		return true
	}
	return false
}

type rawMBRPartitionEntry struct {
	Status        uint8
	FirstCHS      [3]byte
	PartitionType uint8
	LastCHS       [3]byte
	FirstLBA      uint32
	SizeSectors   uint32
}

// ParsePartitions scans a disk image for partitions, trying the MBR/EBR chain
// first and reading the GPT header only if the MBR is a GPT protective MBR
// (type 0xEE). An MBR with no non-empty entries yields
// [gofat.ErrNoFileSystem]; there is no GPT fallback for that case.
//
// Grounded on ff.c's find_volume: MBR first, then walk the extended
// partition chain if one exists, then GPT behind a protective MBR.
func ParsePartitions(r io.ReadSeeker, sectorSize uint) ([]Partition, error) {
	sector0 := make([]byte, sectorSize)
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, gofat.ErrDiskFailed.Wrap(err)
	}
	if _, err := io.ReadFull(r, sector0); err != nil {
		return nil, gofat.ErrDiskFailed.Wrap(err)
	}

	if binary.LittleEndian.Uint16(sector0[510:512]) != mbrSignature {
		return nil, gofat.ErrNoFileSystem.WithMessage("no MBR signature found at sector 0")
	}

	entries := parseMBRTable(sector0)

	hasGPTProtective := false
	for _, e := range entries {
		if e.Type == PartTypeGPTProtective {
			hasGPTProtective = true
		}
	}
	if hasGPTProtective {
		return parseGPT(r, sectorSize)
	}

	var partitions []Partition
	for _, e := range entries {
		if e.Type == PartTypeEmpty {
			continue
		}
		if e.Type == PartTypeExtendedCHS || e.Type == PartTypeExtendedLBA {
			ebrPartitions, err := parseEBRChain(r, sectorSize, e.StartLBA)
			if err != nil {
				return nil, err
			}
			partitions = append(partitions, ebrPartitions...)
			continue
		}
		partitions = append(partitions, e)
	}

	if len(partitions) == 0 {
		return nil, gofat.ErrNoFileSystem.WithMessage("no usable partitions found in MBR")
	}
	return partitions, nil
}

func parseMBRTable(sector []byte) []Partition {
	var out []Partition
	for i := 0; i < mbrMaxPrimaryPartitions; i++ {
		offset := mbrPartitionTableOffset + i*mbrPartitionEntrySize
		raw := parseRawMBREntry(sector[offset : offset+mbrPartitionEntrySize])
		if raw.PartitionType == PartTypeEmpty {
			continue
		}
		out = append(out, Partition{
			Type:     raw.PartitionType,
			Bootable: raw.Status == 0x80,
			StartLBA: raw.FirstLBA,
			SizeLBA:  raw.SizeSectors,
		})
	}
	return out
}

func parseRawMBREntry(data []byte) rawMBRPartitionEntry {
	var raw rawMBRPartitionEntry
	raw.Status = data[0]
	copy(raw.FirstCHS[:], data[1:4])
	raw.PartitionType = data[4]
	copy(raw.LastCHS[:], data[5:8])
	raw.FirstLBA = binary.LittleEndian.Uint32(data[8:12])
	raw.SizeSectors = binary.LittleEndian.Uint32(data[12:16])
	return raw
}

// parseEBRChain walks the linked list of extended boot records starting at
// extendedStart (an LBA relative to the start of the disk), following each
// EBR's "next EBR" entry until it hits one with no further link.
func parseEBRChain(r io.ReadSeeker, sectorSize uint, extendedStart uint32) ([]Partition, error) {
	var out []Partition
	nextEBR := extendedStart

	for nextEBR != 0 {
		sector := make([]byte, sectorSize)
		if _, err := r.Seek(int64(nextEBR)*int64(sectorSize), io.SeekStart); err != nil {
			return nil, gofat.ErrDiskFailed.Wrap(err)
		}
		if _, err := io.ReadFull(r, sector); err != nil {
			return nil, gofat.ErrDiskFailed.Wrap(err)
		}
		if binary.LittleEndian.Uint16(sector[510:512]) != mbrSignature {
			return out, nil
		}

		first := parseRawMBREntry(sector[mbrPartitionTableOffset : mbrPartitionTableOffset+mbrPartitionEntrySize])
		second := parseRawMBREntry(sector[mbrPartitionTableOffset+mbrPartitionEntrySize : mbrPartitionTableOffset+2*mbrPartitionEntrySize])

		if first.PartitionType != PartTypeEmpty {
			out = append(out, Partition{
				Type:     first.PartitionType,
				Bootable: first.Status == 0x80,
				StartLBA: nextEBR + first.FirstLBA,
				SizeLBA:  first.SizeSectors,
			})
		}

		if second.PartitionType == PartTypeExtendedCHS || second.PartitionType == PartTypeExtendedLBA {
			nextEBR = extendedStart + second.FirstLBA
		} else {
			nextEBR = 0
		}
	}
	return out, nil
}

type rawGPTHeader struct {
	Signature            [8]byte
	Revision             uint32
	HeaderSize           uint32
	HeaderCRC32          uint32
	Reserved             uint32
	CurrentLBA           uint64
	BackupLBA            uint64
	FirstUsableLBA       uint64
	LastUsableLBA        uint64
	DiskGUID             [16]byte
	PartitionEntryLBA    uint64
	NumPartitionEntries  uint32
	SizeOfPartitionEntry uint32
	PartitionArrayCRC32  uint32
}

var gptSignature = [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'}

// parseGPT reads the GPT header (sector 1) and its partition entry array,
// decoding each entry's type and partition GUIDs with google/uuid.
func parseGPT(r io.ReadSeeker, sectorSize uint) ([]Partition, error) {
	headerSector := make([]byte, sectorSize)
	if _, err := r.Seek(int64(sectorSize), io.SeekStart); err != nil {
		return nil, gofat.ErrDiskFailed.Wrap(err)
	}
	if _, err := io.ReadFull(r, headerSector); err != nil {
		return nil, gofat.ErrDiskFailed.Wrap(err)
	}

	var hdr rawGPTHeader
	if err := binary.Read(bytes.NewReader(headerSector), binary.LittleEndian, &hdr); err != nil {
		return nil, gofat.ErrNoFileSystem.Wrap(err)
	}
	if hdr.Signature != gptSignature {
		return nil, gofat.ErrNoFileSystem.WithMessage("GPT header signature missing")
	}

	entrySize := hdr.SizeOfPartitionEntry
	if entrySize == 0 {
		return nil, gofat.ErrNoFileSystem.WithMessage("GPT header reports a zero-size partition entry")
	}

	tableBytes := make([]byte, uint64(hdr.NumPartitionEntries)*uint64(entrySize))
	if _, err := r.Seek(int64(hdr.PartitionEntryLBA)*int64(sectorSize), io.SeekStart); err != nil {
		return nil, gofat.ErrDiskFailed.Wrap(err)
	}
	if _, err := io.ReadFull(r, tableBytes); err != nil {
		return nil, gofat.ErrDiskFailed.Wrap(err)
	}

	var out []Partition
	for i := uint32(0); i < hdr.NumPartitionEntries; i++ {
		entry := tableBytes[uint64(i)*uint64(entrySize) : uint64(i)*uint64(entrySize)+uint64(entrySize)]

		typeGUID, err := guidFromMixedEndianBytes(entry[0:16])
		if err != nil {
			return nil, gofat.ErrNoFileSystem.Wrap(err)
		}
		if typeGUID == uuid.Nil {
			continue
		}
		partGUID, err := guidFromMixedEndianBytes(entry[16:32])
		if err != nil {
			return nil, gofat.ErrNoFileSystem.Wrap(err)
		}

		firstLBA := binary.LittleEndian.Uint64(entry[32:40])
		lastLBA := binary.LittleEndian.Uint64(entry[40:48])
		name := decodeUTF16Name(entry[56:128])

		out = append(out, Partition{
			Type:        classifyGPTType(typeGUID),
			StartLBA:    uint32(firstLBA),
			SizeLBA:     uint32(lastLBA - firstLBA + 1),
			GPTTypeGUID: typeGUID,
			GPTPartGUID: partGUID,
			GPTName:     name,
		})
	}

	if len(out) == 0 {
		return nil, gofat.ErrNoFileSystem.WithMessage("GPT has no non-empty partition entries")
	}
	return out, nil
}

// gptMicrosoftBasicDataGUID is the well-known type GUID GPT uses for a
// generic data partition, which is what FAT volumes are stored as under GPT
// (GPT has no FAT-specific type the way MBR does).
var gptMicrosoftBasicDataGUID = uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7")

func classifyGPTType(typeGUID uuid.UUID) byte {
	if typeGUID == gptMicrosoftBasicDataGUID {
		return PartTypeFAT32LBA
	}
	return PartTypeEmpty
}

// guidFromMixedEndianBytes decodes a 16-byte GPT GUID field. GPT stores GUIDs
// in Microsoft's mixed-endian form (first three fields little-endian, last
// two big-endian), which is exactly what [uuid.FromBytes] does NOT assume, so
// the first 8 bytes need swapping before handing off to google/uuid.
func guidFromMixedEndianBytes(b []byte) (uuid.UUID, error) {
	if len(b) != 16 {
		return uuid.Nil, fmt.Errorf("GUID field must be 16 bytes, got %d", len(b))
	}
	swapped := make([]byte, 16)
	swapped[0], swapped[1], swapped[2], swapped[3] = b[3], b[2], b[1], b[0]
	swapped[4], swapped[5] = b[5], b[4]
	swapped[6], swapped[7] = b[7], b[6]
	copy(swapped[8:], b[8:])
	return uuid.FromBytes(swapped)
}

func decodeUTF16Name(b []byte) string {
	var runes []rune
	for i := 0; i+1 < len(b); i += 2 {
		cp := binary.LittleEndian.Uint16(b[i : i+2])
		if cp == 0 {
			break
		}
		runes = append(runes, rune(cp))
	}
	return string(runes)
}
