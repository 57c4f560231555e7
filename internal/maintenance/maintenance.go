// Package maintenance moves version directories between the active root and
// the trash, archive and snapshot areas.
package maintenance

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/labvisor/internal/version"
)

// Reserved area names inside the active root.
const (
	TrashDir     = "_Trash"
	ArchiveDir   = "_Archive"
	SnapshotsDir = "_Snapshots"
)

// snapshotLayout names snapshot directories; it sorts chronologically.
const snapshotLayout = "20060102-150405.000"

// Layout locates every area. Empty areas default to reserved names under Root.
type Layout struct {
	Root      string
	Trash     string
	Archive   string
	Snapshots string
	// SnapshotExclude names directories skipped when copying a snapshot.
	SnapshotExclude []string
}

func (l Layout) withDefaults() Layout {
	if l.Trash == "" {
		l.Trash = filepath.Join(l.Root, TrashDir)
	}
	if l.Archive == "" {
		l.Archive = filepath.Join(l.Root, ArchiveDir)
	}
	if l.Snapshots == "" {
		l.Snapshots = filepath.Join(l.Root, SnapshotsDir)
	}
	if l.SnapshotExclude == nil {
		l.SnapshotExclude = []string{"node_modules", ".git"}
	}
	return l
}

// Entry is a version directory in a non-active area.
type Entry struct {
	ID      string    `json:"id"`
	Path    string    `json:"path"`
	ModTime time.Time `json:"modTime"`
}

// Store performs the moves. It does not know about process state: callers
// make sure a version is stopped first.
type Store struct {
	layout Layout
	log    *slog.Logger
}

func NewStore(l Layout, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{layout: l.withDefaults(), log: log.With("component", "maintenance")}
}

func (s *Store) active(id string) string { return filepath.Join(s.layout.Root, id) }

// MoveToTrash moves an active version into the trash.
func (s *Store) MoveToTrash(id string) (Entry, error) {
	return s.move(id, s.active(id), s.layout.Trash, "trash")
}

// Restore moves a trashed version back into the active root.
func (s *Store) Restore(id string) (Entry, error) {
	return s.moveBack(id, s.layout.Trash, "trash")
}

// Archive moves an active version into the archive area.
func (s *Store) Archive(id string) (Entry, error) {
	return s.move(id, s.active(id), s.layout.Archive, "archive")
}

// RestoreArchive moves an archived version back into the active root.
func (s *Store) RestoreArchive(id string) (Entry, error) {
	return s.moveBack(id, s.layout.Archive, "archive")
}

func (s *Store) ListTrash() ([]Entry, error)   { return list(s.layout.Trash) }
func (s *Store) ListArchive() ([]Entry, error) { return list(s.layout.Archive) }

// EmptyTrash permanently removes everything in the trash and returns the ids removed.
func (s *Store) EmptyTrash() ([]string, error) {
	return s.purge(time.Time{})
}

// PurgeTrash removes trash entries moved there before now-olderThan.
func (s *Store) PurgeTrash(olderThan time.Duration) ([]string, error) {
	return s.purge(time.Now().Add(-olderThan))
}

func (s *Store) purge(before time.Time) ([]string, error) {
	entries, err := list(s.layout.Trash)
	if err != nil {
		return nil, err
	}
	var removed []string
	var errs []error
	for _, e := range entries {
		if !before.IsZero() && !e.ModTime.Before(before) {
			continue
		}
		if err := os.RemoveAll(e.Path); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.ID, err))
			continue
		}
		removed = append(removed, e.ID)
	}
	if len(removed) > 0 {
		s.log.Info("trash purged", "removed", len(removed))
	}
	if err := errors.Join(errs...); err != nil {
		return removed, version.NewError(version.KindIOFailure, "", "purge trash").WithCause(err)
	}
	return removed, nil
}

// Delete permanently removes an active version directory.
func (s *Store) Delete(id string) error {
	if err := version.ValidateID(id); err != nil {
		return version.NewError(version.KindNotFound, id, "invalid version id").WithCause(err)
	}
	p := s.active(id)
	if !isDir(p) {
		return version.NewError(version.KindNotFound, id, "version does not exist")
	}
	if err := os.RemoveAll(p); err != nil {
		return version.NewError(version.KindIOFailure, id, "delete version").WithCause(err)
	}
	s.log.Info("version deleted", "version", id)
	return nil
}

// Snapshot copies an active version into Snapshots/<id>/<timestamp>.
func (s *Store) Snapshot(id string) (Entry, error) {
	if err := version.ValidateID(id); err != nil {
		return Entry{}, version.NewError(version.KindNotFound, id, "invalid version id").WithCause(err)
	}
	src := s.active(id)
	if !isDir(src) {
		return Entry{}, version.NewError(version.KindNotFound, id, "version does not exist")
	}
	now := time.Now()
	dst := filepath.Join(s.layout.Snapshots, id, now.UTC().Format(snapshotLayout))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Entry{}, version.NewError(version.KindIOFailure, id, "create snapshot dir").WithCause(err)
	}
	if err := copyTree(src, dst, s.layout.SnapshotExclude); err != nil {
		_ = os.RemoveAll(dst)
		return Entry{}, version.NewError(version.KindIOFailure, id, "copy snapshot").WithCause(err)
	}
	s.log.Info("snapshot taken", "version", id, "path", dst)
	return Entry{ID: filepath.Base(dst), Path: dst, ModTime: now}, nil
}

// ListSnapshots returns snapshots of id, newest first.
func (s *Store) ListSnapshots(id string) ([]Entry, error) {
	if err := version.ValidateID(id); err != nil {
		return nil, version.NewError(version.KindNotFound, id, "invalid version id").WithCause(err)
	}
	entries, err := list(filepath.Join(s.layout.Snapshots, id))
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID > entries[j].ID })
	return entries, nil
}

func (s *Store) move(id, src, area, what string) (Entry, error) {
	if err := version.ValidateID(id); err != nil {
		return Entry{}, version.NewError(version.KindNotFound, id, "invalid version id").WithCause(err)
	}
	if !isDir(src) {
		return Entry{}, version.NewError(version.KindNotFound, id, "version does not exist")
	}
	dst := filepath.Join(area, id)
	if exists(dst) {
		return Entry{}, version.NewError(version.KindConflict, id, "%s already holds %s", what, id)
	}
	if err := os.MkdirAll(area, 0o755); err != nil {
		return Entry{}, version.NewError(version.KindIOFailure, id, "create %s dir", what).WithCause(err)
	}
	if err := moveDir(src, dst); err != nil {
		return Entry{}, version.NewError(version.KindIOFailure, id, "move to %s", what).WithCause(err)
	}
	// rename keeps the old mtime; purge ages entries from the time they were moved
	now := time.Now()
	if err := os.Chtimes(dst, now, now); err != nil {
		s.log.Warn("failed to stamp moved version", "version", id, "to", what, "error", err)
	}
	s.log.Info("version moved", "version", id, "to", what)
	return entryFor(id, dst), nil
}

func (s *Store) moveBack(id, area, what string) (Entry, error) {
	if err := version.ValidateID(id); err != nil {
		return Entry{}, version.NewError(version.KindNotFound, id, "invalid version id").WithCause(err)
	}
	src := filepath.Join(area, id)
	if !isDir(src) {
		return Entry{}, version.NewError(version.KindNotFound, id, "%s has no %s", what, id)
	}
	dst := s.active(id)
	if exists(dst) {
		return Entry{}, version.NewError(version.KindConflict, id, "an active version %s already exists", id)
	}
	if err := moveDir(src, dst); err != nil {
		return Entry{}, version.NewError(version.KindIOFailure, id, "restore from %s", what).WithCause(err)
	}
	s.log.Info("version restored", "version", id, "from", what)
	return entryFor(id, dst), nil
}

func entryFor(id, p string) Entry {
	e := Entry{ID: id, Path: p}
	if fi, err := os.Stat(p); err == nil {
		e.ModTime = fi.ModTime()
	}
	return e
}

// list returns the directories in area sorted by id. A missing area is empty.
func list(area string) ([]Entry, error) {
	des, err := os.ReadDir(area)
	if errors.Is(err, fs.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, version.NewError(version.KindIOFailure, "", "read %s", area).WithCause(err)
	}
	out := make([]Entry, 0, len(des))
	for _, d := range des {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		p := filepath.Join(area, d.Name())
		out = append(out, entryFor(d.Name(), p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// moveDir renames src to dst, copying when they sit on different filesystems.
func moveDir(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var le *os.LinkError
	if !errors.As(err, &le) || !errors.Is(le.Err, syscall.EXDEV) {
		return err
	}
	if err := copyTree(src, dst, nil); err != nil {
		_ = os.RemoveAll(dst)
		return err
	}
	return os.RemoveAll(src)
}

// copyTree copies regular files, directories and symlinks from src into dst,
// skipping directories named in exclude.
func copyTree(src, dst string, exclude []string) error {
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[e] = true
	}
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			if rel != "." && skip[d.Name()] {
				return filepath.SkipDir
			}
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return copyFile(p, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}

func exists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}
