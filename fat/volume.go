package fat

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/dargueta/gofat"
	"github.com/dargueta/gofat/device"
	c "github.com/dargueta/gofat/file_systems/common"
	"github.com/dargueta/gofat/file_systems/common/blockcache"
)

// Volume is a mounted FAT12/16/32 file system. It owns the block cache for
// the entire image (boot sector, FAT copies, root directory, and data
// region), the in-memory free-cluster cache, and the open-file sharing table.
//
// A Volume is safe for concurrent use; every public method takes the volume
// mutex, mirroring the single-threaded-per-volume assumption ff.c makes but
// enforced explicitly instead of left to the caller.
type Volume struct {
	mu sync.Mutex

	dev   device.Device
	cache *blockcache.BlockCache
	boot  *BootSector
	fsi   *FSInfo

	config Config

	alloc  *clusterAllocator
	shares *shareTable

	// cwd is the directory relative paths resolve against. It defaults to the
	// volume root at mount time; Chdir moves it.
	cwd dirHandle

	// mirrorFailures counts write failures to FAT copies after the first
	// (primary) one. A failed mirror write doesn't fail the caller's
	// operation -- the primary FAT is the source of truth -- but it's
	// tracked here so diagnostics can surface it.
	mirrorFailures int

	// openFiles counts currently open handles, enforced against
	// config.MaxOpenFiles by Open/Create.
	openFiles int

	// dirty tracks whether a FAT-mutating operation has happened on this
	// volume since it was mounted, independent of the on-disk clean-shutdown
	// bit Mount/Unmount maintain in FAT entry #1 (see setVolumeCleanBit).
	// Exposed via IsDirty for diagnostics.
	dirty bool
}

func sectorSize(bs *BootSector) uint {
	return uint(bs.BytesPerSector)
}

// Mount parses the boot sector (and FSInfo, for FAT32) from dev and returns a
// ready-to-use Volume. dev must already be positioned so that sector 0 is the
// start of the FAT volume; see ParsePartitions to locate that offset within a
// partitioned disk image.
func Mount(dev device.Device, cfg Config) (*Volume, error) {
	cache := blockcache.WrapStream(
		dev.Stream(), dev.BytesPerBlock, dev.TotalBlocks, !cfg.ReadOnly)

	sector0, err := cache.GetSlice(0, 1)
	if err != nil {
		return nil, gofat.ErrNoFileSystem.Wrap(err)
	}
	if len(sector0) < 512 || binary.LittleEndian.Uint16(sector0[510:512]) != mbrSignature {
		return nil, gofat.ErrNoFileSystem.WithMessage("no boot signature found at offset 510 of sector 0")
	}

	boot, err := ParseBootSector(bytes.NewReader(sector0))
	if err != nil {
		return nil, err
	}

	vol := &Volume{
		dev:    dev,
		cache:  cache,
		boot:   boot,
		config: cfg,
		shares: newShareTable(),
	}

	if boot.Version == 32 {
		fsiSector, err := cache.GetSlice(c.LogicalBlock(boot.FSInfoSector), 1)
		if err != nil {
			return nil, gofat.ErrDiskFailed.Wrap(err)
		}
		fsi, err := ParseFSInfo(bytes.NewReader(fsiSector))
		if err != nil {
			return nil, err
		}
		vol.fsi = fsi
	}

	if !cfg.ReadOnly && !cfg.SkipDirtyCheck {
		clean, err := vol.volumeWasCleanlyUnmounted()
		if err != nil {
			return nil, err
		}
		if !clean {
			return nil, gofat.ErrIntErr.WithMessage(
				"volume was not cleanly unmounted; run a consistency check before mounting read-write")
		}
	}

	alloc, err := newClusterAllocator(vol)
	if err != nil {
		return nil, err
	}
	vol.alloc = alloc
	vol.cwd = vol.rootDir()

	if !cfg.ReadOnly {
		if err := vol.setVolumeCleanBit(false); err != nil {
			return nil, err
		}
		// Write the cleared bit out now instead of leaving it in the cache,
		// so the image reads as dirty until Unmount restores the bit.
		if err := cache.Flush(); err != nil {
			return nil, gofat.ErrDiskFailed.Wrap(err)
		}
	}

	return vol, nil
}

// Sync flushes every dirty block in the cache, then the FSInfo sector on
// FAT32 volumes, back to the underlying device.
func (v *Volume) Sync() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.syncLocked()
}

func (v *Volume) syncLocked() error {
	if v.boot.Version == 32 && v.fsi != nil {
		data := EncodeFSInfo(v.fsi)
		if _, err := v.cache.WriteAt(data, c.LogicalBlock(v.boot.FSInfoSector)); err != nil {
			return gofat.ErrDiskFailed.Wrap(err)
		}
	}
	if err := v.cache.Flush(); err != nil {
		return gofat.ErrDiskFailed.Wrap(err)
	}
	return nil
}

// Unmount flushes the volume and releases its resources. The Volume must not
// be used afterward.
func (v *Volume) Unmount() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.config.ReadOnly {
		if err := v.setVolumeCleanBit(true); err != nil {
			return err
		}
	}
	return v.syncLocked()
}

// IsDirty reports whether any FAT-mutating operation has run on this volume
// since it was mounted.
func (v *Volume) IsDirty() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dirty
}

// GetFree returns the number of free clusters and the volume's total cluster
// count. The free count is the cluster allocator's own, built by the full FAT
// scan at mount and kept current by every allocation and free since; the
// FSInfo sector is not consulted.
func (v *Volume) GetFree() (free uint32, total uint32, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.alloc.freeCount(), v.boot.TotalClusters, nil
}

// BootSector returns the parsed boot sector. Callers must not modify it.
func (v *Volume) BootSector() *BootSector {
	return v.boot
}

func (v *Volume) bytesPerCluster() uint32 {
	return v.boot.BytesPerCluster
}

// firstSectorOfCluster converts a cluster number into the logical sector at
// which its data begins. Cluster numbering starts at 2; clusters 0 and 1 are
// reserved (FAT spec section 3).
func (v *Volume) firstSectorOfCluster(cluster ClusterID) SectorID {
	return v.boot.FirstDataSector + SectorID((uint32(cluster)-2)*uint32(v.boot.SectorsPerClst))
}

// readCluster returns the raw bytes of one cluster.
func (v *Volume) readCluster(cluster ClusterID) ([]byte, error) {
	start := c.LogicalBlock(v.firstSectorOfCluster(cluster))
	buf := make([]byte, v.bytesPerCluster())
	if _, err := v.cache.ReadAt(buf, start); err != nil {
		return nil, gofat.ErrDiskFailed.Wrap(err)
	}
	return buf, nil
}

// writeCluster overwrites one cluster's contents.
func (v *Volume) writeCluster(cluster ClusterID, data []byte) error {
	start := c.LogicalBlock(v.firstSectorOfCluster(cluster))
	if _, err := v.cache.WriteAt(data, start); err != nil {
		return gofat.ErrDiskFailed.Wrap(err)
	}
	return nil
}
