package fat

import (
	"strings"
	"unicode"

	"github.com/dargueta/gofat"
)

// stripDrivePrefix removes a leading "N:" drive prefix (N a single decimal
// digit) from path, the scheme spec 4.8 describes. This engine only ever
// mounts one volume at a time, so the drive number itself is discarded; it
// exists purely so paths written for a multi-volume caller still parse here.
func stripDrivePrefix(path string) string {
	if len(path) >= 2 && unicode.IsDigit(rune(path[0])) && path[1] == ':' {
		return path[2:]
	}
	return path
}

// splitPath breaks a slash-separated path into its non-empty components,
// treating "/" and "\" as equivalent separators.
func splitPath(path string) []string {
	path = strings.ReplaceAll(path, "\\", "/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" && p != "." {
			out = append(out, p)
		}
	}
	return out
}

// startingPoint returns the directory a path resolution should begin from:
// the volume root if path has a leading separator, the current directory
// otherwise (spec 4.8: "leading separator -> root; otherwise start at the
// volume's current directory").
func (v *Volume) startingPoint(path string) dirHandle {
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, "\\") {
		return v.rootDir()
	}
	return v.cwd
}

// resolvePath walks `path` component by component, returning the matched
// entry along with the dirHandle of its parent directory (so callers can
// update or remove it in place). An empty path resolves to a synthetic
// Dirent standing in for the current directory itself.
func (v *Volume) resolvePath(path string) (*Dirent, dirHandle, error) {
	path = stripDrivePrefix(path)
	parts := splitPath(path)
	parent := v.startingPoint(path)

	if len(parts) == 0 {
		return &Dirent{ShortName: "/", Attributes: AttrDirectory, FirstCluster: parent.startCluster}, parent, nil
	}

	var current *Dirent
	for i, part := range parts {
		entry, err := v.dirFind(parent, part)
		if err != nil {
			if i < len(parts)-1 {
				return nil, dirHandle{}, gofat.ErrNoPath
			}
			return nil, parent, err
		}
		current = entry

		if i < len(parts)-1 {
			if !current.IsDir() {
				return nil, dirHandle{}, gofat.ErrNotADirectory
			}
			parent = v.dirHandleForEntry(current)
		}
	}

	return current, parent, nil
}

// resolveParent resolves everything in `path` except the last component,
// returning the parent's dirHandle and the final component's name. This is
// what Create/Mkdir/Rename use: they need a place to write a new entry by
// name, not an already-resolved Dirent.
func (v *Volume) resolveParent(path string) (dirHandle, string, error) {
	path = stripDrivePrefix(path)
	parts := splitPath(path)
	if len(parts) == 0 {
		return dirHandle{}, "", gofat.ErrInvalidName
	}

	parent := v.startingPoint(path)
	for _, part := range parts[:len(parts)-1] {
		entry, err := v.dirFind(parent, part)
		if err != nil {
			return dirHandle{}, "", gofat.ErrNoPath
		}
		if !entry.IsDir() {
			return dirHandle{}, "", gofat.ErrNotADirectory
		}
		parent = v.dirHandleForEntry(entry)
	}

	return parent, parts[len(parts)-1], nil
}
