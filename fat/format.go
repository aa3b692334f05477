package fat

import (
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/noxer/bytewriter"

	"github.com/dargueta/gofat"
	"github.com/dargueta/gofat/device"
	"github.com/dargueta/gofat/file_systems/common/blockcache"
)

const defaultNumFATs = 2
const defaultRootEntryCount = 512
const defaultOEMName = "GOFAT1.0"

// Format writes a fresh boot sector, FSInfo sector (FAT32 only), FAT copies,
// and an empty root directory onto dev, then mounts and returns the result.
//
// Grounded on ff.c's f_mkfs: geometry is validated up front (accumulating
// every problem found, not just the first) and the FAT version is picked
// from cluster count alone, exactly as Mount does when reading an existing
// volume.
func Format(dev device.Device, cfg FormatConfig) (*Volume, error) {
	if err := validateFormatConfig(&cfg); err != nil {
		return nil, err
	}

	sectorsPerClst := cfg.SectorsPerCluster
	if sectorsPerClst == 0 {
		sectorsPerClst = chooseSectorsPerCluster(cfg.TotalSectors, cfg.BytesPerSector, cfg.Version)
	}
	numFATs := cfg.NumFATs
	if numFATs == 0 {
		numFATs = defaultNumFATs
	}
	oemName := cfg.OEMName
	if oemName == "" {
		oemName = defaultOEMName
	}

	layout := func(v int) (reservedSectors uint16, rootEntries uint16, rootDirSectors uint32) {
		if v == 32 {
			return 32, 0, 0
		}
		entries := cfg.RootEntryCount
		if entries == 0 {
			entries = defaultRootEntryCount
		}
		sectors := (uint32(entries)*DirentSize + uint32(cfg.BytesPerSector) - 1) / uint32(cfg.BytesPerSector)
		return 1, entries, sectors
	}

	// determineVersion depends on the cluster count, which depends on the
	// layout, which depends on the version for FAT32's larger reserved area
	// and clusters-only root directory. Resolve this the way ff.c's f_mkfs
	// does: lay out assuming FAT16/12 first, see what cluster count that
	// yields, and redo the layout for FAT32 if that's what it turns out to be
	// (or what the caller explicitly asked for).
	version := cfg.Version
	reservedSectors, rootEntryCount, rootDirSectors := layout(version)
	sectorsPerFAT, totalClusters, err := solveFATSize(
		cfg.TotalSectors, uint32(cfg.BytesPerSector), uint32(reservedSectors),
		uint32(numFATs), rootDirSectors, uint32(sectorsPerClst))
	if err != nil {
		return nil, err
	}

	if version == 0 {
		version = determineVersion(totalClusters)
	}
	if version == 32 && reservedSectors != 32 {
		reservedSectors, rootEntryCount, rootDirSectors = layout(32)
		sectorsPerFAT, totalClusters, err = solveFATSize(
			cfg.TotalSectors, uint32(cfg.BytesPerSector), uint32(reservedSectors),
			uint32(numFATs), rootDirSectors, uint32(sectorsPerClst))
		if err != nil {
			return nil, err
		}
	}

	cache := blockcache.WrapStream(dev.Stream(), dev.BytesPerBlock, dev.TotalBlocks, true)
	image, err := cache.GetSlice(0, dev.TotalBlocks)
	if err != nil {
		return nil, gofat.ErrDiskFailed.Wrap(err)
	}
	for i := range image {
		image[i] = 0
	}

	if err := writeBootSector(image, cfg, version, sectorsPerClst, numFATs,
		rootEntryCount, reservedSectors, sectorsPerFAT, oemName); err != nil {
		return nil, err
	}

	firstFATSector := uint32(reservedSectors)
	for i := uint32(0); i < uint32(numFATs); i++ {
		writeEmptyFAT(image, cfg, version, firstFATSector+i*sectorsPerFAT, sectorsPerFAT)
	}

	if version == 32 {
		fsi := &FSInfo{FreeCount: totalClusters - 1, NextFree: 3}
		fsiOffset := uint32(cfg.BytesPerSector) // FSInfo always sits at sector 1 on a freshly formatted FAT32 volume
		copy(image[fsiOffset:fsiOffset+512], EncodeFSInfo(fsi))
	}

	if err := cache.MarkBlockRangeDirty(0, dev.TotalBlocks); err != nil {
		return nil, gofat.ErrDiskFailed.Wrap(err)
	}
	if err := cache.Flush(); err != nil {
		return nil, gofat.ErrDiskFailed.Wrap(err)
	}

	return Mount(dev, cfg.Config)
}

func validateFormatConfig(cfg *FormatConfig) error {
	var result *multierror.Error

	if cfg.BytesPerSector == 0 {
		result = multierror.Append(result, fmt.Errorf("BytesPerSector must be set"))
	} else {
		switch cfg.BytesPerSector {
		case 512, 1024, 2048, 4096:
		default:
			result = multierror.Append(result, fmt.Errorf(
				"BytesPerSector must be 512/1024/2048/4096, got %d", cfg.BytesPerSector))
		}
	}

	if cfg.TotalSectors == 0 {
		result = multierror.Append(result, fmt.Errorf("TotalSectors must be set"))
	}

	if cfg.SectorsPerCluster != 0 {
		switch cfg.SectorsPerCluster {
		case 1, 2, 4, 8, 16, 32, 64, 128:
		default:
			result = multierror.Append(result, fmt.Errorf(
				"SectorsPerCluster must be a power of 2 in [1, 128], got %d", cfg.SectorsPerCluster))
		}
	}

	if cfg.Version != 0 && cfg.Version != 12 && cfg.Version != 16 && cfg.Version != 32 {
		result = multierror.Append(result, fmt.Errorf("Version must be 0, 12, 16, or 32, got %d", cfg.Version))
	}

	if result != nil {
		return gofat.ErrInvalidParameter.WithMessage(result.Error())
	}
	return nil
}

// chooseSectorsPerCluster picks a reasonable default cluster size, the same
// rough table mkfs.fat/ff.c's f_mkfs uses: bigger volumes get bigger clusters
// so the FAT itself doesn't become enormous.
func chooseSectorsPerCluster(totalSectors uint32, bytesPerSector uint16, version int) uint8 {
	sizeMB := uint64(totalSectors) * uint64(bytesPerSector) / (1024 * 1024)
	switch {
	case version == 32:
		switch {
		case sizeMB < 8192:
			return 8
		case sizeMB < 16384:
			return 16
		case sizeMB < 32768:
			return 32
		default:
			return 64
		}
	default:
		switch {
		case sizeMB <= 4:
			return 1
		case sizeMB <= 16:
			return 2
		case sizeMB <= 128:
			return 4
		case sizeMB <= 512:
			return 8
		default:
			return 16
		}
	}
}

// solveFATSize computes the number of sectors each FAT copy needs and the
// resulting cluster count, iterating because the FAT's own size depends on
// the cluster count and vice versa (exactly the fixed-point computation
// ff.c's f_mkfs does with its "dsc" loop).
func solveFATSize(
	totalSectors, bytesPerSector, reservedSectors, numFATs, rootDirSectors, sectorsPerClst uint32,
) (sectorsPerFAT uint32, totalClusters uint32, err error) {
	entrySize := uint32(2)
	sectorsPerFAT = 1

	for iter := 0; iter < 32; iter++ {
		nonDataSectors := reservedSectors + numFATs*sectorsPerFAT + rootDirSectors
		if totalSectors <= nonDataSectors {
			return 0, 0, gofat.ErrInvalidParameter.WithMessage("image too small for requested geometry")
		}
		dataSectors := totalSectors - nonDataSectors
		totalClusters = dataSectors / sectorsPerClst

		if totalClusters >= 65525 {
			entrySize = 4
		} else if totalClusters >= 4085 {
			entrySize = 2
		} else {
			entrySize = 2 // FAT12 still uses 1.5 bytes/entry but rounds like FAT16 here
		}

		needed := ((totalClusters + 2) * entrySize)
		newSectorsPerFAT := (needed + bytesPerSector - 1) / bytesPerSector
		if newSectorsPerFAT == 0 {
			newSectorsPerFAT = 1
		}
		if newSectorsPerFAT == sectorsPerFAT {
			return sectorsPerFAT, totalClusters, nil
		}
		sectorsPerFAT = newSectorsPerFAT
	}
	return sectorsPerFAT, totalClusters, nil
}

func writeBootSector(
	image []byte,
	cfg FormatConfig,
	version int,
	sectorsPerClst uint8,
	numFATs uint8,
	rootEntryCount uint16,
	reservedSectors uint16,
	sectorsPerFAT uint32,
	oemName string,
) error {
	raw := RawBPB{
		JmpBoot:         [3]byte{0xEB, 0x00, 0x90},
		BytesPerSector:  cfg.BytesPerSector,
		SectorsPerClst:  sectorsPerClst,
		ReservedSectors: reservedSectors,
		NumFATs:         numFATs,
		RootEntryCount:  rootEntryCount,
		Media:           0xF8,
		SectorsPerTrack: 63,
		NumHeads:        255,
	}
	copy(raw.OEMName[:], padRight(oemName, 8))

	if cfg.TotalSectors <= 0xFFFF {
		raw.TotalSectors16 = uint16(cfg.TotalSectors)
	} else {
		raw.TotalSectors32 = cfg.TotalSectors
	}
	if version != 32 {
		raw.SectorsPerFAT16 = uint16(sectorsPerFAT)
	}

	writer := bytewriter.New(image)
	if err := binary.Write(writer, binary.LittleEndian, &raw); err != nil {
		return gofat.ErrDiskFailed.Wrap(err)
	}

	label := cfg.VolumeLabel
	if label == "" {
		label = "NO NAME"
	}

	if version == 32 {
		bpb32 := RawBPB32{
			SectorsPerFAT32: sectorsPerFAT,
			RootCluster:     2,
			FSInfoSector:    1,
			ExBootSignature: 0x29,
			VolumeID:        0x12345678,
		}
		copy(bpb32.VolumeLabel[:], padRight(label, 11))
		copy(bpb32.FileSystemType[:], padRight("FAT32", 8))
		if err := binary.Write(writer, binary.LittleEndian, &bpb32); err != nil {
			return gofat.ErrDiskFailed.Wrap(err)
		}
	} else {
		bpb1216 := RawBPB1216{
			ExBootSignature: 0x29,
			VolumeID:        0x12345678,
		}
		copy(bpb1216.VolumeLabel[:], padRight(label, 11))
		fsType := "FAT16"
		if version == 12 {
			fsType = "FAT12"
		}
		copy(bpb1216.FileSystemType[:], padRight(fsType, 8))
		if err := binary.Write(writer, binary.LittleEndian, &bpb1216); err != nil {
			return gofat.ErrDiskFailed.Wrap(err)
		}
	}

	binary.LittleEndian.PutUint16(image[510:512], mbrSignature)
	return nil
}

// writeEmptyFAT writes one FAT copy's reserved first two entries (matching
// the media descriptor byte and an all-ones EOC marker, per FAT 16.1 section
// 4), plus on FAT32 an EOC entry for the root directory's cluster 2, and
// leaves every other entry as free (zero), which the zeroed image already
// provides.
func writeEmptyFAT(image []byte, cfg FormatConfig, version int, startSector, sectorsPerFAT uint32) {
	offset := startSector * uint32(cfg.BytesPerSector)

	switch version {
	case 32:
		binary.LittleEndian.PutUint32(image[offset:offset+4], 0x0FFFFFF8)
		binary.LittleEndian.PutUint32(image[offset+4:offset+8], 0x0FFFFFFF)
		binary.LittleEndian.PutUint32(image[offset+8:offset+12], 0x0FFFFFFF) // root dir EOC
	case 16:
		binary.LittleEndian.PutUint16(image[offset:offset+2], 0xFFF8)
		binary.LittleEndian.PutUint16(image[offset+2:offset+4], 0xFFFF)
	default: // 12
		image[offset] = 0xF8
		image[offset+1] = 0xFF
		image[offset+2] = 0xFF
	}
}

func padRight(s string, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = ' '
	}
	copy(out, s)
	return out
}
