package fat_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/gofat"
)

// TestDotDotFromSubdirResolvesToRoot guards against resolvePath/resolveParent
// bypassing the 0-means-root mapping for a ".." entry. DIR1 is directly
// under the root, so its ".." entry stores FirstCluster 0; descending through
// it must land back on the real root directory, not an empty synthetic one.
func TestDotDotFromSubdirResolvesToRoot(t *testing.T) {
	vol := newTestVolume(t)

	require.NoError(t, vol.Mkdir("DIR1"))
	f, err := vol.Create("ROOTFILE.TXT")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	stat, err := vol.Stat("DIR1/../ROOTFILE.TXT")
	require.NoError(t, err)
	require.False(t, stat.IsDir())

	require.NoError(t, vol.Mkdir("DIR1/../DIR2"))
	stat, err = vol.Stat("DIR2")
	require.NoError(t, err)
	require.True(t, stat.IsDir())
}

// TestDotDotFromSubdirResolvesParentForCreate exercises resolveParent's half
// of the same fix: creating a file via a path that descends through a
// subdirectory's ".." must write the new entry into the real root, not an
// empty directory synthesized from FirstCluster 0.
func TestDotDotFromSubdirResolvesParentForCreate(t *testing.T) {
	vol := newTestVolume(t)

	require.NoError(t, vol.Mkdir("DIR1"))
	f, err := vol.Create("DIR1/../VIAROOT.TXT")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	stat, err := vol.Stat("VIAROOT.TXT")
	require.NoError(t, err)
	require.False(t, stat.IsDir())
}

func TestDotDotTwoLevelsDeepResolvesThroughIntermediateDir(t *testing.T) {
	vol := newTestVolume(t)

	require.NoError(t, vol.Mkdir("DIR1"))
	require.NoError(t, vol.Mkdir("DIR1/DIR2"))
	f, err := vol.Create("DIR1/FILE.TXT")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	stat, err := vol.Stat("DIR1/DIR2/../FILE.TXT")
	require.NoError(t, err)
	require.False(t, stat.IsDir())

	_, err = vol.Stat("DIR1/DIR2/../NOPE.TXT")
	require.ErrorIs(t, err, gofat.ErrNotFound)
}
