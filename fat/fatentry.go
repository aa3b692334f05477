package fat

import (
	"github.com/dargueta/gofat"
	c "github.com/dargueta/gofat/file_systems/common"
)

// fatByteOffset returns the byte offset of cluster's FAT entry relative to
// the start of the (first) FAT, and how many bytes must be read to decode it.
// FAT12 entries are 12 bits packed two-to-three-bytes, so a read can span a
// sector boundary and straddle an odd byte; everything else is byte-aligned.
func (v *Volume) fatByteOffset(cluster ClusterID) (offset uint32, width int) {
	switch v.boot.Version {
	case 12:
		return uint32(cluster) + uint32(cluster)/2, 2
	case 16:
		return uint32(cluster) * 2, 2
	default:
		return uint32(cluster) * 4, 4
	}
}

// fatBytes reads `width` bytes at byte offset `offset` from FAT copy number
// `copyIndex` (0 is primary).
func (v *Volume) fatBytes(copyIndex int, offset uint32, width int) ([]byte, error) {
	bytesPerSector := uint32(v.boot.BytesPerSector)
	startSector := SectorID(uint32(v.boot.FirstFATSector) +
		uint32(copyIndex)*v.boot.SectorsPerFAT + offset/bytesPerSector)
	withinSector := offset % bytesPerSector
	sectorCount := uint((withinSector+uint32(width)+bytesPerSector-1) / bytesPerSector)

	slice, err := v.cache.GetSlice(c.LogicalBlock(startSector), sectorCount)
	if err != nil {
		return nil, gofat.ErrDiskFailed.Wrap(err)
	}
	return slice[withinSector : withinSector+uint32(width)], nil
}

// getFATEntryRaw reads a cluster's entry from the primary FAT, returning the
// value exactly as stored (FAT32's top 4 bits, which are reserved, are NOT
// masked off here -- callers that need the next-cluster value should use
// getFATEntry instead).
func (v *Volume) getFATEntryRaw(cluster ClusterID) (uint32, error) {
	offset, width := v.fatByteOffset(cluster)
	data, err := v.fatBytes(0, offset, width)
	if err != nil {
		return 0, err
	}

	switch v.boot.Version {
	case 12:
		raw := uint32(data[0]) | uint32(data[1])<<8
		if cluster%2 == 0 {
			return raw & 0x0FFF, nil
		}
		return raw >> 4, nil
	case 16:
		return uint32(data[0]) | uint32(data[1])<<8, nil
	default:
		return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24, nil
	}
}

// getFATEntry returns the value of a cluster's FAT entry, masked to the
// meaningful width for the volume's FAT version.
func (v *Volume) getFATEntry(cluster ClusterID) (ClusterID, error) {
	raw, err := v.getFATEntryRaw(cluster)
	if err != nil {
		return 0, err
	}
	if v.boot.Version == 32 {
		raw &= 0x0FFFFFFF
	}
	return ClusterID(raw), nil
}

// putFATEntry writes value into every FAT copy's entry for cluster, and
// marks the volume dirty (see setVolumeCleanBit). On FAT32, the reserved top
// 4 bits of the existing entry are preserved.
func (v *Volume) putFATEntry(cluster ClusterID, value ClusterID) error {
	if v.config.ReadOnly {
		return gofat.ErrWriteProtected
	}
	if err := v.writeFATEntryRaw(cluster, uint32(value)); err != nil {
		return err
	}
	v.dirty = true
	return nil
}

// writeFATEntryRaw does the actual encode-and-mirror-write work for
// putFATEntry, without marking the volume dirty. setVolumeCleanBit also uses
// this directly: flipping the clean-shutdown bit in FAT entry #1 must not
// itself dirty the volume it's trying to mark clean.
func (v *Volume) writeFATEntryRaw(cluster ClusterID, value uint32) error {
	offset, width := v.fatByteOffset(cluster)

	var encoded []byte
	switch v.boot.Version {
	case 12:
		existing, err := v.fatBytes(0, offset, width)
		if err != nil {
			return err
		}
		raw := uint32(existing[0]) | uint32(existing[1])<<8
		var newRaw uint32
		if cluster%2 == 0 {
			newRaw = (raw & 0xF000) | (value & 0x0FFF)
		} else {
			newRaw = (raw & 0x000F) | (value&0x0FFF)<<4
		}
		encoded = []byte{byte(newRaw), byte(newRaw >> 8)}
	case 16:
		encoded = []byte{byte(value), byte(value >> 8)}
	default:
		existing, err := v.fatBytes(0, offset, width)
		if err != nil {
			return err
		}
		raw := uint32(existing[0]) | uint32(existing[1])<<8 | uint32(existing[2])<<16 | uint32(existing[3])<<24
		newRaw := (raw & 0xF0000000) | (value & 0x0FFFFFFF)
		encoded = []byte{byte(newRaw), byte(newRaw >> 8), byte(newRaw >> 16), byte(newRaw >> 24)}
	}

	for n := 0; n < int(v.boot.NumFATs); n++ {
		dst, err := v.fatBytes(n, offset, width)
		if err != nil {
			if n == 0 {
				return err
			}
			v.mirrorFailures++
			continue
		}
		copy(dst, encoded)
		if err := v.cache.MarkBlockRangeDirty(
			c.LogicalBlock(uint32(v.boot.FirstFATSector)+uint32(n)*v.boot.SectorsPerFAT+offset/uint32(v.boot.BytesPerSector)),
			2,
		); err != nil && n == 0 {
			return gofat.ErrDiskFailed.Wrap(err)
		}
	}
	return nil
}

// Bit positions of the "clean shutdown" flag within FAT entry #1, the
// reserved entry FAT drivers use to detect an unclean previous unmount.
// FAT12 has no room for this -- its entries are only 12 bits wide -- so the
// check and the bit-flip are both no-ops on FAT12 volumes.
const (
	cleanShutdownBit16 = 0x8000
	cleanShutdownBit32 = 0x08000000
)

// volumeWasCleanlyUnmounted reports whether FAT entry #1's clean-shutdown
// bit is set, i.e. whether the volume was properly unmounted last time it
// was opened read-write.
func (v *Volume) volumeWasCleanlyUnmounted() (bool, error) {
	if v.boot.Version == 12 {
		return true, nil
	}
	raw, err := v.getFATEntryRaw(1)
	if err != nil {
		return false, err
	}
	if v.boot.Version == 16 {
		return raw&cleanShutdownBit16 != 0, nil
	}
	return raw&cleanShutdownBit32 != 0, nil
}

// setVolumeCleanBit sets or clears the clean-shutdown bit in FAT entry #1.
// Mount clears it the moment a volume is opened read-write, so a crash
// before the next clean Unmount leaves the disk marked dirty for the next
// mount to detect; Unmount sets it back once everything else is flushed.
func (v *Volume) setVolumeCleanBit(clean bool) error {
	if v.boot.Version == 12 {
		return nil
	}
	raw, err := v.getFATEntryRaw(1)
	if err != nil {
		return err
	}
	bit := uint32(cleanShutdownBit16)
	if v.boot.Version == 32 {
		bit = cleanShutdownBit32
	}
	if clean {
		raw |= bit
	} else {
		raw &^= bit
	}
	return v.writeFATEntryRaw(1, raw)
}

// isEOC reports whether cluster is an end-of-chain marker for this volume's
// FAT version. Any value from the EOC threshold up to (and including) the
// all-ones value counts, matching real-world FAT drivers that write
// inconsistent EOC markers (0xFFF vs 0xFF8, etc).
func (v *Volume) isEOC(cluster ClusterID) bool {
	switch v.boot.Version {
	case 12:
		return cluster >= ClusterEOCMin12
	case 16:
		return cluster >= ClusterEOCMin16
	default:
		return (cluster & 0x0FFFFFFF) >= ClusterEOCMin32
	}
}

func (v *Volume) isBadCluster(cluster ClusterID) bool {
	switch v.boot.Version {
	case 12:
		return cluster == ClusterBad12
	case 16:
		return cluster == ClusterBad16
	default:
		return (cluster & 0x0FFFFFFF) == ClusterBad32
	}
}

func (v *Volume) eocMarker() ClusterID {
	switch v.boot.Version {
	case 12:
		return 0x0FFF
	case 16:
		return 0xFFFF
	default:
		return 0x0FFFFFFF
	}
}

// isValidDataCluster reports whether cluster addresses real cluster data,
// i.e. it's in [2, TotalClusters+1], not free, not EOC, and not the bad-
// cluster marker.
func (v *Volume) isValidDataCluster(cluster ClusterID) bool {
	return cluster >= 2 && uint32(cluster) < v.boot.TotalClusters+2
}
