package fat

import (
	"io"
	"io/fs"
	"time"

	"github.com/dargueta/gofat"
)

// Open resolves path and returns a handle onto the file it names, honoring
// the same [gofat.IOFlags] semantics as a POSIX open(2): O_CREAT makes a new
// zero-length file if none exists, O_EXCL paired with O_CREAT fails if one
// already does, and the sharing table enforces single-writer/multi-reader
// access across every handle opened on this volume.
func (v *Volume) Open(path string, flags gofat.IOFlags) (*File, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, parent, err := v.resolvePath(path)
	if err == nil {
		if flags.Create() && flags.Exclusive() {
			return nil, gofat.ErrExists
		}
		if entry.IsDir() {
			return nil, gofat.ErrIsADirectory
		}
		if v.config.MaxOpenFiles != 0 && v.openFiles >= v.config.MaxOpenFiles {
			return nil, gofat.ErrTooManyOpenFiles
		}
		f, err := openFile(v, parent, entry, flags)
		if err != nil {
			return nil, err
		}
		v.openFiles++
		return f, nil
	}
	if err != gofat.ErrNotFound || !flags.Create() {
		return nil, err
	}

	parentH, name, perr := v.resolveParent(path)
	if perr != nil {
		return nil, perr
	}
	if v.config.MaxOpenFiles != 0 && v.openFiles >= v.config.MaxOpenFiles {
		return nil, gofat.ErrTooManyOpenFiles
	}

	d, err := v.dirAlloc(parentH, name, AttrArchive, 0, 0)
	if err != nil {
		return nil, err
	}
	f, err := openFile(v, parentH, d, flags)
	if err != nil {
		return nil, err
	}
	v.openFiles++
	return f, nil
}

// Create is shorthand for Open with O_RDWR|O_CREAT|O_TRUNC, matching
// [os.Create]'s contract.
func (v *Volume) Create(path string) (*File, error) {
	return v.Open(path, gofat.O_RDWR|gofat.O_CREAT|gofat.O_TRUNC)
}

// clearCluster zero-fills one cluster, used when a new directory cluster is
// allocated so stale data never gets mistaken for directory entries.
func (v *Volume) clearCluster(cluster ClusterID) error {
	return v.writeCluster(cluster, make([]byte, v.bytesPerCluster()))
}

// dotEntryParentCluster returns the cluster number that belongs in a new
// subdirectory's ".." entry: 0 if the parent is the volume root (true for
// FAT12/16's fixed root and, by convention, for the FAT32 root cluster too),
// otherwise the parent's own start cluster.
func (v *Volume) dotEntryParentCluster(parent dirHandle) ClusterID {
	if parent.fixedRoot {
		return 0
	}
	if v.boot.Version == 32 && parent.startCluster == v.boot.RootCluster {
		return 0
	}
	return parent.startCluster
}

// Mkdir creates a new, empty directory at path, populated with "." and ".."
// entries pointing at itself and its parent respectively.
func (v *Volume) Mkdir(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	parentH, name, err := v.resolveParent(path)
	if err != nil {
		return err
	}
	if _, err := v.dirFind(parentH, name); err == nil {
		return gofat.ErrExists
	}

	chain, err := v.alloc.allocateChain(1)
	if err != nil {
		return err
	}
	newCluster := chain[0]
	if err := v.clearCluster(newCluster); err != nil {
		_ = v.alloc.freeChain(newCluster)
		return err
	}

	selfH := dirHandle{startCluster: newCluster}
	parentClusterForDotDot := v.dotEntryParentCluster(parentH)

	if _, err := v.dirAlloc(selfH, ".", AttrDirectory, newCluster, 0); err != nil {
		_ = v.alloc.freeChain(newCluster)
		return err
	}
	if _, err := v.dirAlloc(selfH, "..", AttrDirectory, parentClusterForDotDot, 0); err != nil {
		_ = v.alloc.freeChain(newCluster)
		return err
	}
	if _, err := v.dirAlloc(parentH, name, AttrDirectory, newCluster, 0); err != nil {
		_ = v.alloc.freeChain(newCluster)
		return err
	}
	return nil
}

// Remove deletes the file or empty directory at path. Removing a
// non-empty directory fails with [gofat.ErrDirectoryNotEmpty]; removing an
// open file marks it for deletion once the last handle closes instead of
// freeing its chain immediately, matching real FAT drivers' POSIX-ish
// unlink-of-an-open-file behavior.
func (v *Volume) Remove(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, parent, err := v.resolvePath(path)
	if err != nil {
		return err
	}

	if entry.IsDir() {
		children, err := v.dirRead(dirHandle{startCluster: entry.FirstCluster})
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return gofat.ErrDirectoryNotEmpty
		}
		if err := v.dirRemove(parent, entry.Name()); err != nil {
			return err
		}
		return v.alloc.freeChain(entry.FirstCluster)
	}

	safeNow := v.shares.markForDelete(direntKeyFor(parent, entry))
	if err := v.dirRemove(parent, entry.Name()); err != nil {
		return err
	}
	if !safeNow {
		return nil
	}
	if entry.FirstCluster == 0 {
		return nil
	}
	return v.alloc.freeChain(entry.FirstCluster)
}

// Rename moves the object at oldPath to newPath, which must not already
// exist. Both paths are resolved against the volume's current directory;
// renaming across directories is supported, renaming across volumes is not
// (there is exactly one Volume per mounted image).
func (v *Volume) Rename(oldPath, newPath string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, oldParent, err := v.resolvePath(oldPath)
	if err != nil {
		return err
	}
	if _, err := v.resolvePath(newPath); err == nil {
		return gofat.ErrExists
	}

	newParentH, newName, err := v.resolveParent(newPath)
	if err != nil {
		return err
	}

	attrs := entry.Attributes
	if _, err := v.dirAlloc(newParentH, newName, attrs, entry.FirstCluster, entry.Size); err != nil {
		return err
	}
	if err := v.dirRemove(oldParent, entry.Name()); err != nil {
		return err
	}

	if entry.IsDir() && entry.FirstCluster != 0 {
		selfH := dirHandle{startCluster: entry.FirstCluster}
		parentClusterForDotDot := v.dotEntryParentCluster(newParentH)
		dotdot, err := v.dirFind(selfH, "..")
		if err == nil {
			dotdot.FirstCluster = parentClusterForDotDot
			if err := v.dirUpdate(selfH, dotdot); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stat resolves path and returns its metadata without opening it.
func (v *Volume) Stat(path string) (gofat.FileStat, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, _, err := v.resolvePath(path)
	if err != nil {
		return gofat.FileStat{}, err
	}
	return entry.Stat(v.bytesPerCluster()), nil
}

// Truncate changes the size of the file at path without needing to Open it
// first, for callers that only need a one-shot resize.
func (v *Volume) Truncate(path string, size int64) error {
	f, err := v.Open(path, gofat.O_RDWR)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Chdir moves the volume's current directory, used to resolve subsequent
// relative paths. It has no effect on already-open handles.
func (v *Volume) Chdir(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if path == "" {
		return nil
	}

	entry, _, err := v.resolvePath(path)
	if err != nil {
		return err
	}
	if !entry.IsDir() {
		return gofat.ErrNotADirectory
	}
	v.cwd = v.dirHandleForEntry(entry)
	return nil
}

// dirHandleForEntry converts a resolved directory Dirent into the dirHandle
// addressing its contents. A FirstCluster of 0 always means the volume root
// -- that's the sentinel dotEntryParentCluster writes into "..", and on
// FAT12/16 the root isn't a cluster chain at all -- so it has to map back to
// rootDir() rather than a literal (invalid) cluster-0 chain.
func (v *Volume) dirHandleForEntry(entry *Dirent) dirHandle {
	if entry.FirstCluster == 0 {
		return v.rootDir()
	}
	return dirHandle{startCluster: entry.FirstCluster}
}

// SetLabel overwrites the volume label stored in the boot sector. Labels
// longer than 11 characters are truncated; FAT has no Unicode volume labels.
func (v *Volume) SetLabel(label string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.config.ReadOnly {
		return gofat.ErrWriteProtected
	}

	padded := padRight(label, 11)
	offset := uint32(43)
	if v.boot.Version == 32 {
		offset = 71
	}

	sector, err := v.cache.GetSlice(0, 1)
	if err != nil {
		return gofat.ErrDiskFailed.Wrap(err)
	}
	copy(sector[offset:offset+11], padded)
	if err := v.cache.MarkBlockRangeDirty(0, 1); err != nil {
		return gofat.ErrDiskFailed.Wrap(err)
	}
	v.boot.VolumeLabel = trimLabel(padded)
	return nil
}

// Dir is an open handle onto a directory's entries, returned by OpenDir.
// Unlike File, it has no sector-cache machinery of its own: the whole
// directory is decoded once at open time and Readdir walks that snapshot, the
// same "read everything, then iterate in memory" shape [dirRead] already
// uses internally.
type Dir struct {
	vol     *Volume
	handle  dirHandle
	entries []Dirent
	pos     int
	closed  bool
}

// OpenDir resolves path to a directory and returns a handle that can be
// walked with Readdir.
func (v *Volume) OpenDir(path string) (*Dir, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var h dirHandle
	if path == "" {
		h = v.cwd
	} else {
		entry, _, err := v.resolvePath(path)
		if err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			return nil, gofat.ErrNotADirectory
		}
		h = v.dirHandleForEntry(entry)
	}

	entries, err := v.dirRead(h)
	if err != nil {
		return nil, err
	}
	return &Dir{vol: v, handle: h, entries: entries}, nil
}

// Readdir returns up to n entries (or every remaining entry if n <= 0),
// returning [io.EOF] once exhausted when a positive n was requested -- the
// same contract as [os.File.Readdir].
func (d *Dir) Readdir(n int) ([]*Dirent, error) {
	if d.closed {
		return nil, gofat.ErrInvalidObject
	}

	if n <= 0 {
		out := make([]*Dirent, len(d.entries)-d.pos)
		for i := range out {
			e := d.entries[d.pos+i]
			out[i] = &e
		}
		d.pos = len(d.entries)
		return out, nil
	}

	if d.pos >= len(d.entries) {
		return nil, io.EOF
	}
	end := d.pos + n
	if end > len(d.entries) {
		end = len(d.entries)
	}
	out := make([]*Dirent, end-d.pos)
	for i := range out {
		e := d.entries[d.pos+i]
		out[i] = &e
	}
	d.pos = end
	return out, nil
}

func (d *Dir) Close() error {
	if d.closed {
		return gofat.ErrInvalidObject
	}
	d.closed = true
	return nil
}

// dirEntry adapts a Dirent to [fs.DirEntry] and [gofat.DirectoryEntry] for
// callers that want the standard-library shape instead of the raw struct.
type dirEntry struct {
	dirent          *Dirent
	bytesPerCluster uint32
}

func (e *dirEntry) Name() string               { return e.dirent.Name() }
func (e *dirEntry) IsDir() bool                 { return e.dirent.IsDir() }
func (e *dirEntry) Type() fs.FileMode           { return e.dirent.Mode().Type() }
func (e *dirEntry) Stat() gofat.FileStat        { return e.dirent.Stat(e.bytesPerCluster) }
func (e *dirEntry) Info() (fs.FileInfo, error) {
	return &fileInfo{dirent: e.dirent, bytesPerCluster: e.bytesPerCluster}, nil
}

var _ gofat.DirectoryEntry = (*dirEntry)(nil)

// ReadDirEntries is the [fs.DirEntry]-returning counterpart to Readdir, for
// callers in the ambient ecosystem (text/template walks, fs.WalkDir-style
// code) that want the standard interface instead of *Dirent.
func (d *Dir) ReadDirEntries(n int) ([]fs.DirEntry, error) {
	raw, err := d.Readdir(n)
	if err != nil {
		return nil, err
	}
	out := make([]fs.DirEntry, len(raw))
	for i, r := range raw {
		out[i] = &dirEntry{dirent: r, bytesPerCluster: d.vol.bytesPerCluster()}
	}
	return out, nil
}

// ModTime is a convenience accessor mirroring os.FileInfo.ModTime,
// exposed directly on Dirent since gofat.DirectoryEntry embeds os.DirEntry
// rather than os.FileInfo.
func (d *Dirent) ModTime() time.Time {
	return d.LastModified
}
