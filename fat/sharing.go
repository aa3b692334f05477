package fat

import (
	"sync"

	"github.com/dargueta/gofat"
)

// direntKey identifies a directory entry's physical slot: the containing
// directory (its start cluster, or the fixed root on FAT12/16) plus the
// entry's index within it. This is the sharing table's key rather than the
// file's first cluster, because a brand-new empty file has FirstCluster == 0
// -- the same value every other empty file has -- so keying on it would make
// two unrelated empty files collide in the table.
type direntKey struct {
	dirFixedRoot bool
	dirCluster   ClusterID
	index        int
}

func direntKeyFor(h dirHandle, d *Dirent) direntKey {
	return direntKey{dirFixedRoot: h.fixedRoot, dirCluster: h.startCluster, index: d.dirIndex}
}

// shareEntry tracks how many handles currently have a directory entry open
// and in what mode.
type shareEntry struct {
	readers     int
	writers     int
	pendingDrop bool
}

// shareTable enforces the open-file locking rules real FAT drivers apply:
// at most one writer at a time, and a file marked for deletion while open
// is only actually unlinked once the last handle closes.
//
// Grounded on ff.c's chk_share/enq_share/inc_share/dec_share: FatFs keeps a
// small fixed table of open files system-wide for the same reason.
type shareTable struct {
	mu      sync.Mutex
	entries map[direntKey]*shareEntry
}

func newShareTable() *shareTable {
	return &shareTable{entries: make(map[direntKey]*shareEntry)}
}

func (s *shareTable) get(key direntKey) *shareEntry {
	e, ok := s.entries[key]
	if !ok {
		e = &shareEntry{}
		s.entries[key] = e
	}
	return e
}

// acquire registers a new open handle for key in the given mode. Opening
// for write fails if any handle (reader or writer) already has the file
// open; opening for read fails only if a writer already holds it.
func (s *shareTable) acquire(key direntKey, forWrite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.get(key)
	if forWrite {
		if e.readers > 0 || e.writers > 0 {
			return gofat.ErrLocked.WithMessage("file is already open")
		}
		e.writers++
		return nil
	}

	if e.writers > 0 {
		return gofat.ErrLocked.WithMessage("file is open for writing")
	}
	e.readers++
	return nil
}

// release drops one handle's hold on key. If the file was marked for
// deletion and this was the last handle, it returns true so the caller can
// finish the unlink by freeing the cluster chain (Remove has already
// tombstoned the directory entry).
func (s *shareTable) release(key direntKey, wasWrite bool) (finalizeDelete bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	if wasWrite {
		e.writers--
	} else {
		e.readers--
	}

	if e.readers == 0 && e.writers == 0 {
		finalize := e.pendingDrop
		delete(s.entries, key)
		return finalize
	}
	return false
}

// markForDelete records that key's file should be unlinked once no handles
// remain open on it. Returns true if it's already safe to unlink immediately
// (nothing has it open).
func (s *shareTable) markForDelete(key direntKey) (safeNow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || (e.readers == 0 && e.writers == 0) {
		delete(s.entries, key)
		return true
	}
	e.pendingDrop = true
	return false
}

// isPendingDelete reports whether key's file has been unlinked while still
// open. A handle that sees this return true must not rewrite its directory
// entry on Sync/Close: the entry's slot was already tombstoned by the unlink
// and writing to it would resurrect a deleted file.
func (s *shareTable) isPendingDelete(key direntKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	return ok && e.pendingDrop
}
