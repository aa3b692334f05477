package fat_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/gofat"
	"github.com/dargueta/gofat/device"
	"github.com/dargueta/gofat/fat"
)

// formatTestImage formats a 4 MiB image, which at one sector per cluster holds
// about 8,000 clusters and is therefore FAT16: FAT12 has no clean-shutdown bit
// in FAT entry #1, so the dirty-bit tests below need at least FAT16.
func formatTestImage(t *testing.T) []byte {
	t.Helper()

	const totalSectors = 8192
	const bytesPerSector = 512
	data := make([]byte, totalSectors*bytesPerSector)
	dev := device.NewMemoryDevice(data, bytesPerSector)

	vol, err := fat.Format(dev, fat.FormatConfig{
		TotalSectors:   totalSectors,
		BytesPerSector: bytesPerSector,
		VolumeLabel:    "TESTVOL",
	})
	require.NoError(t, err)
	require.NoError(t, vol.Unmount())
	return data
}

func TestIsDirtyTracksFATMutations(t *testing.T) {
	vol := newTestVolume(t)
	require.False(t, vol.IsDirty(), "a freshly formatted, unmounted-free volume shouldn't be dirty yet")

	f, err := vol.Create("A.TXT")
	require.NoError(t, err)
	_, err = f.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.True(t, vol.IsDirty(), "allocating a chain mutates the FAT and should mark the volume dirty")
}

func TestUnmountThenMountCleanlySucceeds(t *testing.T) {
	data := formatTestImage(t)

	dev := device.NewMemoryDevice(data, 512)
	vol, err := fat.Mount(dev, fat.Config{})
	require.NoError(t, err)
	require.NoError(t, vol.Unmount())
}

func TestMountRejectsUncleanlyUnmountedVolume(t *testing.T) {
	data := formatTestImage(t)

	// Mount read-write and let it go out of scope without Unmount, simulating
	// a crash: the clean-shutdown bit Mount cleared is never restored.
	dev := device.NewMemoryDevice(data, 512)
	_, err := fat.Mount(dev, fat.Config{})
	require.NoError(t, err)

	dev2 := device.NewMemoryDevice(data, 512)
	_, err = fat.Mount(dev2, fat.Config{})
	require.ErrorIs(t, err, gofat.ErrIntErr)
}

func TestMountSkipDirtyCheckBypassesCleanBit(t *testing.T) {
	data := formatTestImage(t)

	dev := device.NewMemoryDevice(data, 512)
	_, err := fat.Mount(dev, fat.Config{})
	require.NoError(t, err)

	dev2 := device.NewMemoryDevice(data, 512)
	vol2, err := fat.Mount(dev2, fat.Config{SkipDirtyCheck: true})
	require.NoError(t, err)
	require.NoError(t, vol2.Unmount())
}

func TestMountReadOnlyIgnoresDirtyBit(t *testing.T) {
	data := formatTestImage(t)

	dev := device.NewMemoryDevice(data, 512)
	_, err := fat.Mount(dev, fat.Config{})
	require.NoError(t, err)

	dev2 := device.NewMemoryDevice(data, 512)
	vol2, err := fat.Mount(dev2, fat.Config{ReadOnly: true})
	require.NoError(t, err, "a read-only mount never sets the bit, so it should never be checked either")
	require.NoError(t, vol2.Unmount())
}

func TestPreserveTimestampsSuppressesAccessUpdate(t *testing.T) {
	data := formatTestImage(t)

	dev := device.NewMemoryDevice(data, 512)
	vol, err := fat.Mount(dev, fat.Config{})
	require.NoError(t, err)

	f, err := vol.Create("A.TXT")
	require.NoError(t, err)
	_, err = f.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, vol.Unmount())

	dev2 := device.NewMemoryDevice(data, 512)
	vol2, err := fat.Mount(dev2, fat.Config{PreserveTimestamps: true})
	require.NoError(t, err)

	statBefore, err := vol2.Stat("A.TXT")
	require.NoError(t, err)

	f2, err := vol2.Open("A.TXT", gofat.O_RDONLY)
	require.NoError(t, err)
	buf := make([]byte, 7)
	_, err = f2.Read(buf)
	require.NoError(t, err)
	require.NoError(t, f2.Close())

	statAfter, err := vol2.Stat("A.TXT")
	require.NoError(t, err)
	require.True(t, statAfter.LastAccessed.Equal(statBefore.LastAccessed),
		"PreserveTimestamps must leave LastAccessed untouched across a read")
	require.NoError(t, vol2.Unmount())
}

func TestReadUpdatesLastAccessedByDefault(t *testing.T) {
	data := formatTestImage(t)

	dev := device.NewMemoryDevice(data, 512)
	vol, err := fat.Mount(dev, fat.Config{})
	require.NoError(t, err)

	f, err := vol.Create("A.TXT")
	require.NoError(t, err)
	_, err = f.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f2, err := vol.Open("A.TXT", gofat.O_RDONLY)
	require.NoError(t, err)
	buf := make([]byte, 7)
	_, err = f2.Read(buf)
	require.NoError(t, err)
	require.NoError(t, f2.Close())

	statAfter, err := vol.Stat("A.TXT")
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), statAfter.LastAccessed, 24*time.Hour,
		"a read should stamp LastAccessed to roughly the current FAT date")

	require.NoError(t, vol.Unmount())
}
