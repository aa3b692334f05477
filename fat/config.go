package fat

// Config holds the knobs a caller can set when mounting or formatting a
// volume. Zero-valued fields fall back to sane defaults in Mount/Format.
type Config struct {
	// ReadOnly mounts the volume without permission to modify any block,
	// including the FAT mirrors and FSInfo sector.
	ReadOnly bool

	// SkipDirtyCheck disables the check of the "volume dirty" bit some FAT
	// implementations set in the reserved FAT entry #1; by default a dirty
	// volume mounted read-write returns ErrIntErr so a higher layer can run
	// a consistency check first. Never consulted for a ReadOnly mount, since
	// that never sets the bit either.
	SkipDirtyCheck bool

	// MaxOpenFiles caps the number of simultaneously open file handles before
	// Open starts failing with ErrTooManyOpenFiles. 0 means unlimited.
	MaxOpenFiles int

	// PreserveTimestamps, if true, never updates LastAccessed on read. Has no
	// effect on a ReadOnly mount, which never writes LastAccessed regardless.
	PreserveTimestamps bool
}

// FormatConfig holds the knobs for Format, in addition to the geometry of the
// image itself (total sectors, bytes per sector).
type FormatConfig struct {
	Config

	// TotalSectors and BytesPerSector describe the geometry of the image
	// being formatted. Both are required; see disks.DiskGeometry for a way
	// to populate them from a named standard floppy/HDD geometry.
	TotalSectors   uint32
	BytesPerSector uint16

	// Version forces FAT12, FAT16, or FAT32. 0 auto-selects based on the
	// image's cluster count, per determineVersion.
	Version int

	// SectorsPerCluster, if 0, is chosen automatically from the image size.
	SectorsPerCluster uint8

	// NumFATs is the number of redundant FAT copies to maintain. 0 defaults
	// to 2.
	NumFATs uint8

	// RootEntryCount is the fixed number of root directory entries on
	// FAT12/16 volumes. 0 defaults to 512. Ignored for FAT32.
	RootEntryCount uint16

	VolumeLabel string
	OEMName     string
}
