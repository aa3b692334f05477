package fat

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dargueta/gofat/device"
)

func newTestVolumeInternal(t *testing.T) *Volume {
	t.Helper()

	const totalSectors = 2880
	const bytesPerSector = 512
	data := make([]byte, totalSectors*bytesPerSector)
	dev := device.NewMemoryDevice(data, bytesPerSector)

	vol, err := Format(dev, FormatConfig{
		TotalSectors:   totalSectors,
		BytesPerSector: bytesPerSector,
	})
	require.NoError(t, err)
	return vol
}

func TestAllocateChainLinksClustersInOrder(t *testing.T) {
	vol := newTestVolumeInternal(t)

	freeBefore := vol.alloc.freeCount()
	chain, err := vol.alloc.allocateChain(3)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.Equal(t, freeBefore-3, vol.alloc.freeCount())

	for i := 0; i < len(chain)-1; i++ {
		next, err := vol.getFATEntry(chain[i])
		require.NoError(t, err)
		require.Equal(t, chain[i+1], next)
	}
	last, err := vol.getFATEntry(chain[len(chain)-1])
	require.NoError(t, err)
	require.True(t, vol.isEOC(last))
}

func TestFreeChainReturnsEveryClusterToThePool(t *testing.T) {
	vol := newTestVolumeInternal(t)

	freeBefore := vol.alloc.freeCount()
	chain, err := vol.alloc.allocateChain(4)
	require.NoError(t, err)
	require.NoError(t, vol.alloc.freeChain(chain[0]))
	require.Equal(t, freeBefore, vol.alloc.freeCount())

	for _, cl := range chain {
		entry, err := vol.getFATEntry(cl)
		require.NoError(t, err)
		require.Equal(t, ClusterFree, entry)
	}
}

func TestTruncateChainAfterFreesTheTail(t *testing.T) {
	vol := newTestVolumeInternal(t)

	chain, err := vol.alloc.allocateChain(4)
	require.NoError(t, err)

	require.NoError(t, vol.alloc.truncateChainAfter(chain[0], chain[1]))

	remaining, err := vol.chainClusters(chain[0])
	require.NoError(t, err)
	require.Equal(t, chain[:2], remaining)

	for _, cl := range chain[2:] {
		entry, err := vol.getFATEntry(cl)
		require.NoError(t, err)
		require.Equal(t, ClusterFree, entry)
	}
}

func TestExtendChainAppendsAfterTail(t *testing.T) {
	vol := newTestVolumeInternal(t)

	chain, err := vol.alloc.allocateChain(2)
	require.NoError(t, err)

	added, err := vol.alloc.extendChain(chain[len(chain)-1], 2)
	require.NoError(t, err)
	require.Len(t, added, 2)

	full, err := vol.chainClusters(chain[0])
	require.NoError(t, err)
	require.Equal(t, append(chain, added...), full)
}

func TestAllocateChainFailsWhenDiskIsFull(t *testing.T) {
	vol := newTestVolumeInternal(t)

	total := vol.alloc.freeCount()
	_, err := vol.alloc.allocateChain(int(total) + 1)
	require.Error(t, err)

	// A failed allocation must not leak any clusters it provisionally took.
	require.Equal(t, total, vol.alloc.freeCount())
}

func TestMirrorFATCopiesStayConsistent(t *testing.T) {
	vol := newTestVolumeInternal(t)

	chain, err := vol.alloc.allocateChain(1)
	require.NoError(t, err)
	require.Zero(t, vol.mirrorFailures, "a healthy in-memory device should never see a mirror write fail")

	entry, err := vol.getFATEntry(chain[0])
	require.NoError(t, err)
	require.True(t, vol.isEOC(entry))
	require.Equal(t, rawFATEntryBytes(t, vol, 0, chain[0]), rawFATEntryBytes(t, vol, 1, chain[0]),
		"the mirror FAT copy must hold the same entry as the primary")
}

// rawFATEntryBytes reads cluster's raw entry bytes straight from FAT copy
// copyIndex, bypassing the masking getFATEntry does, so two copies can be
// compared byte-for-byte.
func rawFATEntryBytes(t *testing.T, vol *Volume, copyIndex int, cluster ClusterID) []byte {
	t.Helper()
	offset, width := vol.fatByteOffset(cluster)
	data, err := vol.fatBytes(copyIndex, offset, width)
	require.NoError(t, err)
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// TestMirrorStaysConsistentAcrossChurn allocates, extends, and frees chains
// repeatedly -- the kind of churn a real filesystem sees across many
// create/delete cycles -- and checks every FAT copy agrees after each step,
// the way ff.c's dual-FAT write path is meant to guarantee.
func TestMirrorStaysConsistentAcrossChurn(t *testing.T) {
	vol := newTestVolumeInternal(t)
	require.GreaterOrEqual(t, int(vol.boot.NumFATs), 2, "this test only means something with a mirrored FAT")

	var live [][]ClusterID
	for round := 0; round < 5; round++ {
		chain, err := vol.alloc.allocateChain(3)
		require.NoError(t, err)
		live = append(live, chain)

		extra, err := vol.alloc.extendChain(chain[len(chain)-1], 1)
		require.NoError(t, err)
		live[len(live)-1] = append(chain, extra...)

		if round%2 == 1 {
			require.NoError(t, vol.alloc.freeChain(live[0][0]))
			live = live[1:]
		}

		for _, c := range live {
			for _, cl := range c {
				primary := rawFATEntryBytes(t, vol, 0, cl)
				mirror := rawFATEntryBytes(t, vol, 1, cl)
				require.Equal(t, primary, mirror, "FAT copies diverged for cluster %d after round %d", cl, round)
			}
		}
	}
	require.Zero(t, vol.mirrorFailures)
}
