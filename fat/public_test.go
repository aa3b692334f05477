package fat_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/gofat"
	"github.com/dargueta/gofat/device"
	"github.com/dargueta/gofat/fat"
)

// newTestVolume formats a small in-memory FAT12 floppy image and mounts it
// read-write, matching the geometry of a standard 1.44 MB 3.5" floppy.
func newTestVolume(t *testing.T) *fat.Volume {
	t.Helper()

	const totalSectors = 2880
	const bytesPerSector = 512
	data := make([]byte, totalSectors*bytesPerSector)
	dev := device.NewMemoryDevice(data, bytesPerSector)

	vol, err := fat.Format(dev, fat.FormatConfig{
		TotalSectors:   totalSectors,
		BytesPerSector: bytesPerSector,
		VolumeLabel:    "TESTVOL",
	})
	require.NoError(t, err)
	return vol
}

func TestFormatThenMount_GetFree(t *testing.T) {
	vol := newTestVolume(t)

	free, total, err := vol.GetFree()
	require.NoError(t, err)
	require.Equal(t, total, vol.BootSector().TotalClusters)
	require.Greater(t, free, uint32(0))
	require.LessOrEqual(t, free, total)
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	vol := newTestVolume(t)

	f, err := vol.Create("HELLO.TXT")
	require.NoError(t, err)

	payload := []byte("hello, fat filesystem")
	n, err := f.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, f.Close())

	f2, err := vol.Open("HELLO.TXT", gofat.O_RDONLY)
	require.NoError(t, err)
	defer f2.Close()

	readBack := make([]byte, len(payload))
	_, err = io.ReadFull(f2, readBack)
	require.NoError(t, err)
	require.Equal(t, payload, readBack)

	stat, err := vol.Stat("HELLO.TXT")
	require.NoError(t, err)
	require.EqualValues(t, len(payload), stat.Size)
	require.False(t, stat.IsDir())
}

func TestCreateExclusiveFailsIfExists(t *testing.T) {
	vol := newTestVolume(t)

	_, err := vol.Create("DUP.TXT")
	require.NoError(t, err)

	_, err = vol.Open("DUP.TXT", gofat.O_RDWR|gofat.O_CREAT|gofat.O_EXCL)
	require.ErrorIs(t, err, gofat.ErrExists)
}

func TestLongNameRoundTrip(t *testing.T) {
	vol := newTestVolume(t)

	longName := "This Is A Very Long File Name.txt"
	f, err := vol.Create(longName)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	stat, err := vol.Stat(longName)
	require.NoError(t, err)
	require.False(t, stat.IsDir())

	dir, err := vol.OpenDir("")
	require.NoError(t, err)
	defer dir.Close()

	entries, err := dir.Readdir(-1)
	require.NoError(t, err)

	var found bool
	for _, e := range entries {
		if e.Name() == longName {
			found = true
			require.NotEqual(t, longName, e.ShortName, "an over-long name must not be stored verbatim as the short name")
		}
	}
	require.True(t, found, "long name entry not found via directory listing")
}

func TestShortNameCollisionGetsNumericTail(t *testing.T) {
	vol := newTestVolume(t)

	names := []string{
		"Configuration Settings.txt",
		"Configuration Backup.txt",
		"Configuration Values.txt",
	}
	for _, n := range names {
		f, err := vol.Create(n)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	dir, err := vol.OpenDir("")
	require.NoError(t, err)
	defer dir.Close()
	entries, err := dir.Readdir(-1)
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, e := range entries {
		require.False(t, seen[e.ShortName], "duplicate short name %q generated", e.ShortName)
		seen[e.ShortName] = true
	}
}

func TestMkdirCreatesDotEntries(t *testing.T) {
	vol := newTestVolume(t)

	require.NoError(t, vol.Mkdir("SUBDIR"))

	stat, err := vol.Stat("SUBDIR")
	require.NoError(t, err)
	require.True(t, stat.IsDir())

	dir, err := vol.OpenDir("SUBDIR")
	require.NoError(t, err)
	defer dir.Close()

	entries, err := dir.Readdir(-1)
	require.NoError(t, err)
	require.Empty(t, entries, "Readdir must not surface . and ..")

	// The ".." record is still on disk: resolving through it finds a directory.
	dotdot, err := vol.Stat("SUBDIR/..")
	require.NoError(t, err)
	require.True(t, dotdot.IsDir())
}

func TestMkdirRejectsDuplicate(t *testing.T) {
	vol := newTestVolume(t)

	require.NoError(t, vol.Mkdir("DIR1"))
	err := vol.Mkdir("DIR1")
	require.ErrorIs(t, err, gofat.ErrExists)
}

func TestChdirAffectsRelativeResolution(t *testing.T) {
	vol := newTestVolume(t)

	require.NoError(t, vol.Mkdir("DIR1"))
	f, err := vol.Create("DIR1/INNER.TXT")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, vol.Chdir("DIR1"))

	// A relative path now resolves against DIR1, not the root.
	stat, err := vol.Stat("INNER.TXT")
	require.NoError(t, err)
	require.False(t, stat.IsDir())

	// An absolute path still resolves from the root regardless of cwd.
	require.NoError(t, vol.Chdir("/"))
	_, err = vol.Stat("DIR1/INNER.TXT")
	require.NoError(t, err)
}

func TestRemoveDirectoryNotEmpty(t *testing.T) {
	vol := newTestVolume(t)

	require.NoError(t, vol.Mkdir("DIR1"))
	f, err := vol.Create("DIR1/FILE.TXT")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	err = vol.Remove("DIR1")
	require.ErrorIs(t, err, gofat.ErrDirectoryNotEmpty)

	require.NoError(t, vol.Remove("DIR1/FILE.TXT"))
	require.NoError(t, vol.Remove("DIR1"))
}

func TestRemoveOpenFileDefersChainFree(t *testing.T) {
	vol := newTestVolume(t)

	freeBefore, _, err := vol.GetFree()
	require.NoError(t, err)

	f, err := vol.Create("OPEN.TXT")
	require.NoError(t, err)
	_, err = f.Write([]byte("still open"))
	require.NoError(t, err)

	// Removing a file that's still open must succeed (the name disappears
	// immediately) without freeing the chain out from under the open handle.
	require.NoError(t, vol.Remove("OPEN.TXT"))

	_, statErr := vol.Stat("OPEN.TXT")
	require.ErrorIs(t, statErr, gofat.ErrNotFound)

	freeWhileOpen, _, err := vol.GetFree()
	require.NoError(t, err)
	require.Equal(t, freeBefore-1, freeWhileOpen, "the open handle's cluster must stay allocated until Close")

	require.NoError(t, f.Close())

	freeAfterClose, _, err := vol.GetFree()
	require.NoError(t, err)
	require.Equal(t, freeBefore, freeAfterClose, "the last Close must free the removed file's chain")
}

func TestRenameAcrossDirectories(t *testing.T) {
	vol := newTestVolume(t)

	require.NoError(t, vol.Mkdir("SRC"))
	require.NoError(t, vol.Mkdir("DST"))

	f, err := vol.Create("SRC/MOVEME.TXT")
	require.NoError(t, err)
	_, err = f.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, vol.Rename("SRC/MOVEME.TXT", "DST/MOVEME.TXT"))

	_, err = vol.Stat("SRC/MOVEME.TXT")
	require.ErrorIs(t, err, gofat.ErrNotFound)

	stat, err := vol.Stat("DST/MOVEME.TXT")
	require.NoError(t, err)
	require.EqualValues(t, len("payload"), stat.Size)
}

func TestRenameFailsIfDestinationExists(t *testing.T) {
	vol := newTestVolume(t)

	f1, err := vol.Create("A.TXT")
	require.NoError(t, err)
	require.NoError(t, f1.Close())

	f2, err := vol.Create("B.TXT")
	require.NoError(t, err)
	require.NoError(t, f2.Close())

	err = vol.Rename("A.TXT", "B.TXT")
	require.ErrorIs(t, err, gofat.ErrExists)
}

func TestTruncateShrinksFile(t *testing.T) {
	vol := newTestVolume(t)

	f, err := vol.Create("BIG.TXT")
	require.NoError(t, err)

	payload := make([]byte, vol.BootSector().BytesPerCluster*3)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err = f.Write(payload)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	freeBeforeTruncate, _, err := vol.GetFree()
	require.NoError(t, err)

	require.NoError(t, vol.Truncate("BIG.TXT", int64(vol.BootSector().BytesPerCluster)))

	stat, err := vol.Stat("BIG.TXT")
	require.NoError(t, err)
	require.EqualValues(t, vol.BootSector().BytesPerCluster, stat.Size)

	freeAfterTruncate, _, err := vol.GetFree()
	require.NoError(t, err)
	require.Greater(t, freeAfterTruncate, freeBeforeTruncate, "truncating should free clusters")
}

func TestOpenDirectoryAsFileFails(t *testing.T) {
	vol := newTestVolume(t)

	require.NoError(t, vol.Mkdir("ADIR"))
	_, err := vol.Open("ADIR", gofat.O_RDONLY)
	require.ErrorIs(t, err, gofat.ErrIsADirectory)
}

func TestSetLabelUpdatesBootSector(t *testing.T) {
	vol := newTestVolume(t)

	require.NoError(t, vol.SetLabel("NEWLABEL"))
	require.Equal(t, "NEWLABEL", vol.BootSector().VolumeLabel)
}

func TestWriteFailsWithNoSpaceOnFullDisk(t *testing.T) {
	vol := newTestVolume(t)

	free, _, err := vol.GetFree()
	require.NoError(t, err)
	capacity := int64(free) * int64(vol.BootSector().BytesPerCluster)

	filler, err := vol.Create("FILLER.BIN")
	require.NoError(t, err)
	_, err = filler.Write(make([]byte, capacity))
	require.NoError(t, err)
	require.NoError(t, filler.Close())

	freeAfterFill, _, err := vol.GetFree()
	require.NoError(t, err)
	require.Zero(t, freeAfterFill, "writing exactly the free capacity should exhaust every cluster")

	overflow, err := vol.Create("OVERFLOW.BIN")
	require.NoError(t, err)
	defer overflow.Close()

	n, err := overflow.Write([]byte("x"))
	require.ErrorIs(t, err, gofat.ErrNoSpaceLeft)
	require.Zero(t, n, "a write that can't grow the chain must not report partial bytes written")
}
