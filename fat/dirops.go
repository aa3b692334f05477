package fat

import (
	"strings"
	"time"

	"github.com/dargueta/gofat"
	c "github.com/dargueta/gofat/file_systems/common"
)

// dirHandle addresses a directory's data, whether it's the fixed-size root
// region unique to FAT12/16 or an ordinary cluster chain (every subdirectory,
// and the FAT32 root).
type dirHandle struct {
	fixedRoot    bool
	startCluster ClusterID
}

func (v *Volume) rootDir() dirHandle {
	if v.boot.Version == 32 {
		return dirHandle{startCluster: v.boot.RootCluster}
	}
	return dirHandle{fixedRoot: true}
}

// readDirAll returns the entire raw contents of the directory as one contiguous
// buffer, concatenating clusters (or fixed-root sectors) in order.
func (v *Volume) readDirAll(h dirHandle) ([]byte, error) {
	if h.fixedRoot {
		buf := make([]byte, uint32(v.boot.RootDirSectors)*uint32(v.boot.BytesPerSector))
		if _, err := v.cache.ReadAt(buf, c.LogicalBlock(v.boot.FirstRootDirSect)); err != nil {
			return nil, gofat.ErrDiskFailed.Wrap(err)
		}
		return buf, nil
	}

	clusters, err := v.chainClusters(h.startCluster)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(clusters)*int(v.boot.BytesPerCluster))
	for _, cl := range clusters {
		data, err := v.readCluster(cl)
		if err != nil {
			return nil, err
		}
		buf = append(buf, data...)
	}
	return buf, nil
}

// writeDirAll writes data back as the directory's full contents, growing or
// shrinking the underlying cluster chain as needed. The fixed root directory
// can't grow past its preallocated size.
func (v *Volume) writeDirAll(h dirHandle, data []byte) error {
	if h.fixedRoot {
		capacity := uint32(v.boot.RootDirSectors) * uint32(v.boot.BytesPerSector)
		if uint32(len(data)) > capacity {
			return gofat.ErrNoSpaceLeft.WithMessage("root directory is full and cannot grow on FAT12/16")
		}
		padded := make([]byte, capacity)
		copy(padded, data)
		_, err := v.cache.WriteAt(padded, c.LogicalBlock(v.boot.FirstRootDirSect))
		if err != nil {
			return gofat.ErrDiskFailed.Wrap(err)
		}
		return nil
	}

	clusters, err := v.chainClusters(h.startCluster)
	if err != nil {
		return err
	}

	neededClusters := (len(data) + int(v.boot.BytesPerCluster) - 1) / int(v.boot.BytesPerCluster)
	if neededClusters == 0 {
		neededClusters = 1
	}

	if neededClusters > len(clusters) {
		added, err := v.alloc.extendChain(clusters[len(clusters)-1], neededClusters-len(clusters))
		if err != nil {
			return err
		}
		clusters = append(clusters, added...)
	} else if neededClusters < len(clusters) {
		if err := v.alloc.truncateChainAfter(h.startCluster, clusters[neededClusters-1]); err != nil {
			return err
		}
		clusters = clusters[:neededClusters]
	}

	padded := make([]byte, len(clusters)*int(v.boot.BytesPerCluster))
	copy(padded, data)
	for i, cl := range clusters {
		start := i * int(v.boot.BytesPerCluster)
		if err := v.writeCluster(cl, padded[start:start+int(v.boot.BytesPerCluster)]); err != nil {
			return err
		}
	}
	return nil
}

// decodeDirectory decodes a directory's raw bytes into Dirents, reassembling LFN
// runs and skipping deleted records. It stops at the first free (0x00)
// record, since every FAT implementation guarantees no entry follows a free
// one except after a new allocation extends the directory.
func decodeDirectory(raw []byte) []Dirent {
	var entries []Dirent
	var pendingLFN []RawLongDirent

	for i := 0; i+DirentSize <= len(raw); i += DirentSize {
		rec := raw[i : i+DirentSize]
		switch rec[0] {
		case direntFreeMarker:
			return entries
		case direntDeletedMarker:
			pendingLFN = nil
			continue
		}

		if rec[11] == AttrLongName {
			pendingLFN = append(pendingLFN, rawLongDirentFromBytes(rec))
			continue
		}

		shortRaw := parseRawShortDirent(rec)
		d := decodeShortDirent(shortRaw)
		d.dirIndex = i / DirentSize
		d.slfnCount = len(pendingLFN)
		if len(pendingLFN) > 0 {
			shortName11 := padShortName11(splitShortName(d.ShortName))
			d.LongName = decodeLFNFragments(pendingLFN, shortName11)
		}
		pendingLFN = nil

		if d.ShortName == "." || d.ShortName == ".." {
			entries = append(entries, d)
			continue
		}
		entries = append(entries, d)
	}
	return entries
}

func splitShortName(shortName string) (string, string) {
	base, ext, found := strings.Cut(shortName, ".")
	if !found {
		return base, ""
	}
	return base, ext
}

// dirFind looks up `name` (case-insensitively, matching long name first then
// short name) among h's entries.
func (v *Volume) dirFind(h dirHandle, name string) (*Dirent, error) {
	raw, err := v.readDirAll(h)
	if err != nil {
		return nil, err
	}
	upper := strings.ToUpper(name)
	for _, d := range decodeDirectory(raw) {
		if d.LongName != "" && strings.ToUpper(d.LongName) == upper {
			entry := d
			return &entry, nil
		}
		if strings.ToUpper(d.ShortName) == upper {
			entry := d
			return &entry, nil
		}
	}
	return nil, gofat.ErrNotFound
}

// dirRead returns every live entry in a directory, in on-disk order,
// excluding "." and "..".
func (v *Volume) dirRead(h dirHandle) ([]Dirent, error) {
	raw, err := v.readDirAll(h)
	if err != nil {
		return nil, err
	}
	all := decodeDirectory(raw)
	out := make([]Dirent, 0, len(all))
	for _, d := range all {
		if d.ShortName == "." || d.ShortName == ".." {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// dirAlloc creates a new directory entry named `name` in h, generating a
// unique short name (with numeric tail) if `name` isn't a legal 8.3 name by
// itself or collides with an existing entry, and writes it (plus any LFN
// fragments it needs) into the first run of free/deleted slots big enough to
// hold it, extending the directory if none is found.
func (v *Volume) dirAlloc(h dirHandle, name string, attrs uint8, firstCluster ClusterID, size uint32) (*Dirent, error) {
	raw, err := v.readDirAll(h)
	if err != nil {
		return nil, err
	}
	existing := decodeDirectory(raw)

	shortName, needsLFN := v.allocateShortName(existing, name)

	now := time.Now()
	d := Dirent{
		ShortName:    shortName,
		LongName:     "",
		Attributes:   attrs,
		FirstCluster: firstCluster,
		Size:         size,
		CreatedAt:    now,
		LastAccessed: now,
		LastModified: now,
	}
	if needsLFN {
		d.LongName = name
	}

	shortName11 := encodeShortName11(shortName)

	var records [][]byte
	if needsLFN {
		for _, frag := range encodeLFNFragments(name, shortName11) {
			records = append(records, rawLongDirentToBytes(frag))
		}
	}
	records = append(records, encodeRawRecord(encodeShortDirent(&d, shortName11)))

	newRaw, insertedAt, err := insertRecords(raw, records)
	if err != nil {
		return nil, err
	}
	if err := v.writeDirAll(h, newRaw); err != nil {
		return nil, err
	}

	d.dirIndex = insertedAt + len(records) - 1
	d.slfnCount = len(records) - 1
	return &d, nil
}

// allocateShortName picks the 8.3 name to store on disk: `name` itself if
// it's already legal and unused, otherwise a generated "BASE~N.EXT" name that
// doesn't collide with any entry in `existing`.
func (v *Volume) allocateShortName(existing []Dirent, name string) (shortName string, needsLFN bool) {
	upperTaken := make(map[string]bool, len(existing))
	for _, d := range existing {
		upperTaken[strings.ToUpper(d.ShortName)] = true
	}

	if !needsLongName(name) && !upperTaken[strings.ToUpper(name)] {
		return strings.ToUpper(name), false
	}

	base, ext := buildBaseShortName(name)
	for seq := 1; seq < 1_000_000; seq++ {
		candBase, candExt := generateNumericTail(base, ext, name, seq)
		candidate := candBase
		if candExt != "" {
			candidate = candBase + "." + candExt
		}
		if !upperTaken[strings.ToUpper(candidate)] {
			return candidate, true
		}
	}
	return base, true
}

// insertRecords finds the first run of consecutive free/deleted slots in raw
// long enough to hold len(records) entries (growing past the final free
// marker counts as part of the run) and writes records there, returning the
// updated buffer and the index of the first inserted record.
func insertRecords(raw []byte, records [][]byte) ([]byte, int, error) {
	need := len(records)
	totalSlots := len(raw) / DirentSize

	run := 0
	for i := 0; i < totalSlots; i++ {
		rec := raw[i*DirentSize : i*DirentSize+DirentSize]
		if rec[0] != direntFreeMarker && rec[0] != direntDeletedMarker {
			run = 0
			continue
		}
		run++
		if run == need {
			start := i - need + 1
			for j, r := range records {
				copy(raw[(start+j)*DirentSize:(start+j)*DirentSize+DirentSize], r)
			}
			return raw, start, nil
		}
	}

	// No run long enough; start at the trailing run of free/deleted slots (if
	// any) and grow the buffer by just enough records to hold the rest, so no
	// free marker is left between the old entries and the new ones.
	start := totalSlots - run
	grown := append(raw, make([]byte, DirentSize*(need-run))...)
	for j, r := range records {
		copy(grown[(start+j)*DirentSize:(start+j)*DirentSize+DirentSize], r)
	}
	return grown, start, nil
}

// dirRemove tombstones name's short entry and every LFN fragment preceding
// it, marking them deleted (0xE5). The slots are left deleted rather than
// compacted, matching how every real FAT driver frees directory entries.
func (v *Volume) dirRemove(h dirHandle, name string) error {
	raw, err := v.readDirAll(h)
	if err != nil {
		return err
	}

	target, err := v.dirFind(h, name)
	if err != nil {
		return err
	}

	first := target.dirIndex - target.slfnCount
	for i := first; i <= target.dirIndex; i++ {
		raw[i*DirentSize] = direntDeletedMarker
	}
	return v.writeDirAll(h, raw)
}

// dirUpdate rewrites an existing entry's short-entry fields in place (size,
// first cluster, timestamps, attributes), without touching its name or LFN
// fragments.
func (v *Volume) dirUpdate(h dirHandle, d *Dirent) error {
	raw, err := v.readDirAll(h)
	if err != nil {
		return err
	}
	shortName11 := encodeShortName11(d.ShortName)
	rec := encodeRawRecord(encodeShortDirent(d, shortName11))

	offset := d.dirIndex * DirentSize
	if offset+DirentSize > len(raw) {
		return gofat.ErrInvalidObject
	}
	copy(raw[offset:offset+DirentSize], rec)
	return v.writeDirAll(h, raw)
}
