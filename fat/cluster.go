package fat

import (
	"github.com/boljen/go-bitmap"
	"github.com/dargueta/gofat"
)

// clusterAllocator tracks which clusters are free via a bitmap cache built by
// scanning the FAT once at mount time, so that allocation doesn't have to
// read the FAT linearly every time it looks for free space. The FAT entries
// themselves remain the single source of truth; the bitmap is a read cache
// that putFATEntry-calling code here keeps in sync as it allocates and frees.
//
// NOTE: this intentionally does not reuse a general-purpose block allocator.
// A FAT cluster's "free" state is defined by its own FAT entry being 0, not
// by an independent side structure, so a generic bitmap-backed allocator
// would risk drifting from the FAT itself. This bitmap is strictly a cache.
type clusterAllocator struct {
	vol       *Volume
	free      bitmap.Bitmap
	freeN     uint32
	nextHint  ClusterID
}

// newClusterAllocator scans the entire FAT once, building the free-cluster
// bitmap and count; the bitmap has to cover every cluster for allocation to
// be correct, so there's no cheaper way to seed it. If FAT32 FSInfo hints are
// present and plausible they seed nextHint, saving the first allocation a
// search from cluster 2, but freeN always comes from this scan, never from
// FSInfo's FreeCount.
func newClusterAllocator(v *Volume) (*clusterAllocator, error) {
	total := v.boot.TotalClusters
	alloc := &clusterAllocator{
		vol:      v,
		free:     bitmap.NewSlice(int(total) + 2),
		nextHint: 2,
	}

	for cl := ClusterID(2); uint32(cl) < total+2; cl++ {
		entry, err := v.getFATEntry(cl)
		if err != nil {
			return nil, err
		}
		if entry == ClusterFree {
			alloc.free.Set(int(cl), true)
			alloc.freeN++
		}
	}

	// freeN comes strictly from the scan above, never from the FSInfo hint:
	// the scan just computed the true count, and trusting a possibly-stale
	// FreeCount over it would reintroduce the exact drift FSInfo is prone to
	// after an unclean unmount. The hint is only good for NextFree, which
	// just saves the allocator a search from cluster 2 and is harmless if
	// wrong -- findFree falls back to a full scan when the hint misses.
	if v.fsi != nil && v.fsi.NextFree != 0xFFFFFFFF && v.fsi.NextFree >= 2 && uint32(v.fsi.NextFree) < total+2 {
		alloc.nextHint = ClusterID(v.fsi.NextFree)
	}

	return alloc, nil
}

func (a *clusterAllocator) freeCount() uint32 {
	return a.freeN
}

func (a *clusterAllocator) markUsed(cl ClusterID) {
	if a.free.Get(int(cl)) {
		a.free.Set(int(cl), false)
		a.freeN--
	}
}

func (a *clusterAllocator) markFree(cl ClusterID) {
	if !a.free.Get(int(cl)) {
		a.free.Set(int(cl), true)
		a.freeN++
	}
}

// findFree scans forward from nextHint, wrapping around once, for the first
// free cluster. Returns ErrNoSpaceLeft if none remain.
func (a *clusterAllocator) findFree() (ClusterID, error) {
	total := a.vol.boot.TotalClusters
	start := a.nextHint
	if uint32(start) < 2 || uint32(start) >= total+2 {
		start = 2
	}

	for cl := start; uint32(cl) < total+2; cl++ {
		if a.free.Get(int(cl)) {
			return cl, nil
		}
	}
	for cl := ClusterID(2); cl < start; cl++ {
		if a.free.Get(int(cl)) {
			return cl, nil
		}
	}
	return 0, gofat.ErrNoSpaceLeft
}

// allocateChain allocates `count` clusters (count >= 1), links them into a
// singly linked chain via the FAT, and returns their IDs in chain order. On
// any failure, clusters already allocated in this call are released before
// returning the error so a partial chain is never left dangling.
func (a *clusterAllocator) allocateChain(count int) ([]ClusterID, error) {
	if count <= 0 {
		return nil, gofat.ErrInvalidParameter
	}

	chain := make([]ClusterID, 0, count)
	rollback := func() {
		for _, cl := range chain {
			_ = a.vol.putFATEntry(cl, ClusterFree)
			a.markFree(cl)
		}
	}

	for i := 0; i < count; i++ {
		cl, err := a.findFree()
		if err != nil {
			rollback()
			return nil, err
		}

		value := a.vol.eocMarker()
		if err := a.vol.putFATEntry(cl, value); err != nil {
			rollback()
			return nil, err
		}
		a.markUsed(cl)

		if len(chain) > 0 {
			if err := a.vol.putFATEntry(chain[len(chain)-1], cl); err != nil {
				chain = append(chain, cl)
				rollback()
				return nil, err
			}
		}
		chain = append(chain, cl)
		a.nextHint = cl + 1
	}

	a.syncFSInfo()
	return chain, nil
}

// extendChain allocates `count` additional clusters and links them after the
// last cluster in an existing chain (given by its tail), returning the new
// clusters in chain order.
func (a *clusterAllocator) extendChain(tail ClusterID, count int) ([]ClusterID, error) {
	added, err := a.allocateChain(count)
	if err != nil {
		return nil, err
	}
	if err := a.vol.putFATEntry(tail, added[0]); err != nil {
		return nil, err
	}
	return added, nil
}

// freeChain walks the chain starting at `start` to its end, marking every
// cluster in it free. It tolerates start already being EOC or free (a no-op).
func (a *clusterAllocator) freeChain(start ClusterID) error {
	if start == ClusterFree || a.vol.isEOC(start) {
		return nil
	}

	current := start
	for {
		next, err := a.vol.getFATEntry(current)
		if err != nil {
			return err
		}
		if err := a.vol.putFATEntry(current, ClusterFree); err != nil {
			return err
		}
		a.markFree(current)

		if a.vol.isEOC(next) || next == ClusterFree {
			break
		}
		if !a.vol.isValidDataCluster(next) {
			return gofat.ErrIntErr.WithMessage("cluster chain references an invalid cluster")
		}
		current = next
	}

	a.syncFSInfo()
	return nil
}

// truncateChainAfter frees every cluster in the chain after `keep` (keep
// itself becomes the new EOC), or frees the entire chain if keep is 0.
func (a *clusterAllocator) truncateChainAfter(start, keep ClusterID) error {
	if keep == 0 {
		return a.freeChain(start)
	}

	next, err := a.vol.getFATEntry(keep)
	if err != nil {
		return err
	}
	if err := a.vol.putFATEntry(keep, a.vol.eocMarker()); err != nil {
		return err
	}
	if a.vol.isEOC(next) || next == ClusterFree {
		return nil
	}
	return a.freeChain(next)
}

func (a *clusterAllocator) syncFSInfo() {
	if a.vol.fsi == nil {
		return
	}
	a.vol.fsi.FreeCount = a.freeN
	a.vol.fsi.NextFree = uint32(a.nextHint)
}

// chainClusters returns every cluster in the chain starting at `start`, in
// order. Used for reading/truncating/deleting a file or directory's data.
func (v *Volume) chainClusters(start ClusterID) ([]ClusterID, error) {
	if start == ClusterFree || v.isEOC(start) {
		return nil, nil
	}

	chain := []ClusterID{start}
	current := start
	for {
		next, err := v.getFATEntry(current)
		if err != nil {
			return nil, err
		}
		if v.isEOC(next) {
			break
		}
		if v.isBadCluster(next) || !v.isValidDataCluster(next) {
			return chain, gofat.ErrIntErr.WithMessage("cluster chain hit an invalid link")
		}
		chain = append(chain, next)
		current = next
	}
	return chain, nil
}
