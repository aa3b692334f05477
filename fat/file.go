package fat

import (
	"io"
	"os"
	"time"

	"github.com/dargueta/gofat"
	c "github.com/dargueta/gofat/file_systems/common"
	"github.com/dargueta/gofat/file_systems/common/basicstream"
	"github.com/dargueta/gofat/file_systems/common/blockcache"
)

// File is an open handle onto a FAT file's data, backed by a per-file block
// cache whose "blocks" are the file's clusters. Growing or shrinking the
// stream allocates or frees clusters through the volume's allocator; reads
// and writes within the current chain go straight to [Volume.readCluster]
// and [Volume.writeCluster] via the cache's fetch/flush callbacks.
//
// This mirrors how [basicstream.BasicStream] is meant to be used: the cache
// doesn't know or care that its blocks happen to be FAT clusters rather than
// device sectors.
type File struct {
	vol      *Volume
	dirH     dirHandle
	dirent   *Dirent
	clusters []ClusterID
	cache    *blockcache.BlockCache
	stream   *basicstream.BasicStream
	flags    gofat.IOFlags
	forWrite bool
	closed   bool

	// accessDirty is set by noteAccess when a read has updated dirent's
	// in-memory LastAccessed, so Close knows it has a timestamp to flush
	// even for a handle that was never opened for writing.
	accessDirty bool

	// shareKey identifies the directory slot the sharing table entry was
	// acquired under -- the entry's (containing directory, index), not its
	// first cluster: a brand-new empty file has FirstCluster 0 at open time,
	// the same value every other empty file has, so keying on the cluster
	// would make unrelated empty files collide in the table.
	shareKey direntKey
}

// openFile builds a handle onto an existing directory entry. parent is the
// directory the entry lives in, needed to flush size/cluster/timestamp
// changes back on Close.
func openFile(vol *Volume, parent dirHandle, d *Dirent, flags gofat.IOFlags) (*File, error) {
	if d.IsDir() {
		return nil, gofat.ErrIsADirectory
	}

	key := direntKeyFor(parent, d)
	forWrite := flags.Write()
	if err := vol.shares.acquire(key, forWrite); err != nil {
		return nil, err
	}

	clusters, err := vol.chainClusters(d.FirstCluster)
	if err != nil {
		vol.shares.release(key, forWrite)
		return nil, err
	}

	f := &File{
		vol:      vol,
		dirH:     parent,
		dirent:   d,
		clusters: clusters,
		flags:    flags,
		forWrite: forWrite,
		shareKey: key,
	}

	f.cache = blockcache.New(
		vol.bytesPerCluster(),
		uint(len(clusters)),
		f.fetchBlock,
		f.flushBlock,
		f.resize,
	)

	size := int64(d.Size)
	if flags.Truncate() {
		size = 0
	}
	stream, err := basicstream.New(size, f.cache, flags)
	if err != nil {
		vol.shares.release(key, forWrite)
		return nil, err
	}
	f.stream = stream

	return f, nil
}

func (f *File) fetchBlock(block c.LogicalBlock, buffer []byte) error {
	idx := int(block)
	if idx < 0 || idx >= len(f.clusters) {
		return gofat.ErrArgumentOutOfRange
	}
	data, err := f.vol.readCluster(f.clusters[idx])
	if err != nil {
		return err
	}
	copy(buffer, data)
	return nil
}

func (f *File) flushBlock(block c.LogicalBlock, buffer []byte) error {
	idx := int(block)
	if idx < 0 || idx >= len(f.clusters) {
		return gofat.ErrArgumentOutOfRange
	}
	return f.vol.writeCluster(f.clusters[idx], buffer)
}

// resize grows or shrinks the file's cluster chain to hold exactly
// newTotalBlocks clusters, allocating a fresh chain on the first grow from
// empty and freeing the whole chain on shrink to zero.
func (f *File) resize(newTotalBlocks c.LogicalBlock) error {
	target := int(newTotalBlocks)
	current := len(f.clusters)

	if target == current {
		return nil
	}

	if target > current {
		if current == 0 {
			chain, err := f.vol.alloc.allocateChain(target)
			if err != nil {
				return err
			}
			f.clusters = chain
			f.dirent.FirstCluster = chain[0]
			return nil
		}

		added, err := f.vol.alloc.extendChain(f.clusters[current-1], target-current)
		if err != nil {
			return err
		}
		f.clusters = append(f.clusters, added...)
		return nil
	}

	// Shrinking.
	if target == 0 {
		if err := f.vol.alloc.freeChain(f.clusters[0]); err != nil {
			return err
		}
		f.clusters = nil
		f.dirent.FirstCluster = 0
		return nil
	}

	keep := f.clusters[target-1]
	if err := f.vol.alloc.truncateChainAfter(f.clusters[0], keep); err != nil {
		return err
	}
	f.clusters = f.clusters[:target]
	return nil
}

func (f *File) Read(p []byte) (int, error) {
	n, err := f.stream.Read(p)
	f.noteAccess(n)
	return n, err
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.stream.ReadAt(p, off)
	f.noteAccess(n)
	return n, err
}

func (f *File) ReadFrom(r io.Reader) (int64, error)          { return f.stream.ReadFrom(r) }
func (f *File) Write(p []byte) (int, error)                  { return f.stream.Write(p) }
func (f *File) WriteAt(p []byte, off int64) (int, error)     { return f.stream.WriteAt(p, off) }
func (f *File) WriteString(s string) (int, error)             { return f.stream.WriteString(s) }
func (f *File) Seek(offset int64, whence int) (int64, error)  { return f.stream.Seek(offset, whence) }

// noteAccess records that a read actually returned data, updating dirent's
// in-memory LastAccessed so Close/Sync can persist it. FAT only stores the
// access date, not a time of day, so there's no point writing the directory
// entry back on every single read -- Close/Sync already flush the rest of
// the dirent's fields in one place, and the access date piggybacks on that.
func (f *File) noteAccess(n int) {
	if n <= 0 || f.vol.config.PreserveTimestamps || f.vol.config.ReadOnly {
		return
	}
	f.dirent.LastAccessed = time.Now()
	f.accessDirty = true
}

func (f *File) Truncate(size int64) error {
	if err := f.stream.Truncate(size); err != nil {
		return err
	}
	f.dirent.Size = uint32(size)
	return nil
}

func (f *File) Name() string {
	return f.dirent.Name()
}

func (f *File) Chdir() error {
	return gofat.ErrNotADirectory
}

func (f *File) Chmod(mode os.FileMode) error {
	if mode&0o200 == 0 {
		f.dirent.Attributes |= AttrReadOnly
	} else {
		f.dirent.Attributes &^= AttrReadOnly
	}
	return f.vol.dirUpdate(f.dirH, f.dirent)
}

func (f *File) Chown(uid, gid int) error {
	return gofat.ErrNotSupported.WithMessage("FAT has no concept of file ownership")
}

func (f *File) Readdir(n int) ([]os.FileInfo, error) {
	return nil, gofat.ErrNotADirectory
}

func (f *File) Readdirnames(n int) ([]string, error) {
	return nil, gofat.ErrNotADirectory
}

func (f *File) Stat() (os.FileInfo, error) {
	return &fileInfo{dirent: f.dirent, bytesPerCluster: f.vol.bytesPerCluster()}, nil
}

// Sync flushes pending writes, then rewrites the file's directory entry with
// its current size and first cluster and a new modification time.
func (f *File) Sync() error {
	if err := f.stream.Sync(); err != nil {
		return err
	}
	f.dirent.Size = uint32(f.stream.Size())
	f.dirent.LastModified = time.Now()
	return f.vol.dirUpdate(f.dirH, f.dirent)
}

// Close flushes the file and releases its slot in the sharing table. If the
// file was marked for deletion while open and this was the last handle on
// it, its cluster chain is freed here.
func (f *File) Close() error {
	if f.closed {
		return gofat.ErrInvalidObject
	}
	f.closed = true

	f.vol.mu.Lock()
	f.vol.openFiles--
	f.vol.mu.Unlock()

	// A file removed while still open has already had its directory entry
	// tombstoned; rewriting it here would resurrect a deleted file, so only
	// the stream's pending writes get flushed, not the dirent.
	pendingDelete := f.vol.shares.isPendingDelete(f.shareKey)

	var syncErr error
	if f.forWrite && pendingDelete {
		syncErr = f.stream.Sync()
	} else if f.forWrite {
		syncErr = f.Sync()
	} else if f.accessDirty && !pendingDelete {
		syncErr = f.vol.dirUpdate(f.dirH, f.dirent)
	}

	finalize := f.vol.shares.release(f.shareKey, f.forWrite)
	if finalize {
		if err := f.vol.alloc.freeChain(f.dirent.FirstCluster); err != nil && syncErr == nil {
			syncErr = err
		}
	}
	return syncErr
}

// fileInfo adapts a Dirent to os.FileInfo.
type fileInfo struct {
	dirent          *Dirent
	bytesPerCluster uint32
}

func (fi *fileInfo) Name() string       { return fi.dirent.Name() }
func (fi *fileInfo) Size() int64        { return int64(fi.dirent.Size) }
func (fi *fileInfo) Mode() os.FileMode  { return fi.dirent.Mode() }
func (fi *fileInfo) ModTime() time.Time { return fi.dirent.LastModified }
func (fi *fileInfo) IsDir() bool        { return fi.dirent.IsDir() }
func (fi *fileInfo) Sys() any           { return fi.dirent.Stat(fi.bytesPerCluster) }
