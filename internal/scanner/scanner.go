package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/loykin/labvisor/internal/version"
)

// Candidate is a directory under the active root that looks like a version.
type Candidate struct {
	ID      string
	Path    string
	ModTime time.Time
}

// Scan lists the immediate subdirectories of root, skipping reserved names and
// plain files. The result is sorted by id.
func Scan(root string) ([]Candidate, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	out := make([]Candidate, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if version.IsReserved(name) {
			continue
		}
		p := filepath.Join(root, name)
		// follow symlinked version directories
		fi, err := os.Stat(p)
		if err != nil || !fi.IsDir() {
			continue
		}
		out = append(out, Candidate{ID: name, Path: p, ModTime: fi.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Merge joins disk candidates with registry entries. Directories the registry
// does not know default to stopped. Active registry entries whose directory has
// vanished are returned as orphans.
func Merge(cands []Candidate, entries []version.Version) (list []version.Version, orphans []string) {
	known := make(map[string]version.Version, len(entries))
	for _, e := range entries {
		known[e.ID] = e
	}
	list = make([]version.Version, 0, len(cands))
	seen := make(map[string]struct{}, len(cands))
	for _, c := range cands {
		seen[c.ID] = struct{}{}
		v, ok := known[c.ID]
		if !ok {
			v = version.Version{ID: c.ID, Status: version.StatusStopped}
		}
		v.Path = c.Path
		v.Normalize()
		list = append(list, v)
	}
	for _, e := range entries {
		if _, ok := seen[e.ID]; !ok && e.Active() {
			orphans = append(orphans, e.ID)
		}
	}
	return list, orphans
}

// Scanner binds Scan and Merge to a fixed root.
type Scanner struct {
	Root string
}

// Snapshot returns the merged view. On a root I/O error it returns an empty
// list together with the error.
func (s Scanner) Snapshot(entries []version.Version) ([]version.Version, []string, error) {
	cands, err := Scan(s.Root)
	if err != nil {
		return []version.Version{}, nil, err
	}
	list, orphans := Merge(cands, entries)
	return list, orphans, nil
}
