// Package archive turns uploaded zip and tar archives into version directories.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/loykin/labvisor/internal/version"
)

const (
	DefaultMaxBytes          int64 = 512 << 20
	DefaultMaxExtractedBytes int64 = 2 << 30
)

// Options bounds and shapes an extraction.
type Options struct {
	MaxBytes          int64  // compressed upload limit
	MaxExtractedBytes int64  // uncompressed total limit
	TempDir           string // where uploads are spooled, os.TempDir() if empty
	StripSingleRoot   bool   // unwrap archives whose entries share one top directory
}

func (o Options) withDefaults() Options {
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.MaxExtractedBytes <= 0 {
		o.MaxExtractedBytes = DefaultMaxExtractedBytes
	}
	return o
}

// Format is a supported archive container.
type Format string

const (
	FormatZip   Format = "zip"
	FormatTarGz Format = "tar.gz"
	FormatTar   Format = "tar"
)

var suffixes = []struct {
	ext string
	f   Format
}{
	{".tar.gz", FormatTarGz},
	{".tgz", FormatTarGz},
	{".zip", FormatZip},
	{".tar", FormatTar},
}

// IDFromName derives a version id from an uploaded file name.
func IDFromName(name string) (string, Format) {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	lower := strings.ToLower(base)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s.ext) {
			return base[:len(base)-len(s.ext)], s.f
		}
	}
	return base, ""
}

// Progress receives human-readable extraction progress.
type Progress func(msg string)

// Ingestor extracts archives into a versions root.
type Ingestor struct {
	root string
	opts Options
	log  *slog.Logger
}

func NewIngestor(root string, opts Options, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{root: root, opts: opts.withDefaults(), log: log.With("component", "archive")}
}

// Ingest spools r to a temp file and extracts it into <root>/<id>. It returns
// the id and final directory. Nothing is left behind on failure.
func (in *Ingestor) Ingest(ctx context.Context, r io.Reader, name string, progress Progress) (string, string, error) {
	if progress == nil {
		progress = func(string) {}
	}
	id, format := IDFromName(name)
	if err := version.ValidateID(id); err != nil {
		return "", "", version.NewError(version.KindInvalidArchive, id, "bad archive name %q", name).WithCause(err)
	}
	target := filepath.Join(in.root, id)
	if exists(target) {
		return id, "", version.NewError(version.KindAlreadyExists, id, "version already exists")
	}

	tmp, size, err := in.spool(r)
	if tmp != "" {
		defer func() { _ = os.Remove(tmp) }()
	}
	if err != nil {
		return id, "", withID(err, id)
	}
	progress(fmt.Sprintf("received %s (%d bytes)", name, size))

	if format == "" {
		if format, err = sniff(tmp); err != nil {
			return id, "", version.NewError(version.KindInvalidArchive, id, "unrecognised archive format").WithCause(err)
		}
	}

	if err := os.MkdirAll(in.root, 0o755); err != nil {
		return id, "", version.NewError(version.KindIOFailure, id, "create versions root").WithCause(err)
	}
	staging, err := os.MkdirTemp(in.root, ".ingest-"+id+"-")
	if err != nil {
		return id, "", version.NewError(version.KindIOFailure, id, "create staging dir").WithCause(err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	progress(fmt.Sprintf("extracting %s archive", format))
	x := &extractor{ctx: ctx, dest: staging, limit: in.opts.MaxExtractedBytes}
	switch format {
	case FormatZip:
		err = x.zip(tmp, size)
	case FormatTarGz:
		err = x.tarFile(tmp, true)
	case FormatTar:
		err = x.tarFile(tmp, false)
	}
	if err != nil {
		return id, "", withID(err, id)
	}

	src := staging
	if in.opts.StripSingleRoot {
		if inner, ok := singleRoot(staging); ok {
			src = inner
		}
	}
	// the target may have appeared while extracting
	if exists(target) {
		return id, "", version.NewError(version.KindAlreadyExists, id, "version already exists")
	}
	if err := os.Rename(src, target); err != nil {
		return id, "", version.NewError(version.KindIOFailure, id, "move extracted files into place").WithCause(err)
	}
	in.log.Info("archive ingested", "version", id, "format", format, "files", x.files, "bytes", x.written)
	progress(fmt.Sprintf("extracted %d files", x.files))
	return id, target, nil
}

func (in *Ingestor) spool(r io.Reader) (string, int64, error) {
	f, err := os.CreateTemp(in.opts.TempDir, "labvisor-upload-*")
	if err != nil {
		return "", 0, version.NewError(version.KindIOFailure, "", "create upload temp file").WithCause(err)
	}
	n, err := io.Copy(f, io.LimitReader(r, in.opts.MaxBytes+1))
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		return f.Name(), n, version.NewError(version.KindIOFailure, "", "write upload").WithCause(err)
	}
	if n > in.opts.MaxBytes {
		return f.Name(), n, version.NewError(version.KindInvalidArchive, "", "archive exceeds %d bytes", in.opts.MaxBytes)
	}
	if n == 0 {
		return f.Name(), n, version.NewError(version.KindInvalidArchive, "", "archive is empty")
	}
	return f.Name(), n, nil
}

func sniff(p string) (Format, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	head = head[:n]
	switch {
	case bytes.HasPrefix(head, []byte("PK\x03\x04")), bytes.HasPrefix(head, []byte("PK\x05\x06")):
		return FormatZip, nil
	case bytes.HasPrefix(head, []byte{0x1f, 0x8b}):
		return FormatTarGz, nil
	case n >= 262 && string(head[257:262]) == "ustar":
		return FormatTar, nil
	}
	return "", errors.New("unknown magic")
}

type extractor struct {
	ctx     context.Context
	dest    string
	limit   int64
	written int64
	files   int
}

func invalid(format string, args ...any) *version.Error {
	return version.NewError(version.KindInvalidArchive, "", format, args...)
}

// resolve maps an entry name to a path strictly inside dest.
func (x *extractor) resolve(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" || strings.HasPrefix(name, "/") || filepath.VolumeName(name) != "" {
		return "", invalid("entry %q has an absolute path", name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", invalid("entry %q escapes the target directory", name)
		}
	}
	clean := path.Clean(name)
	if clean == "." {
		return x.dest, nil
	}
	full := filepath.Join(x.dest, filepath.FromSlash(clean))
	rel, err := filepath.Rel(x.dest, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", invalid("entry %q escapes the target directory", name)
	}
	return full, nil
}

func (x *extractor) writeFile(full string, mode fs.FileMode, r io.Reader) error {
	if err := x.ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return version.NewError(version.KindIOFailure, "", "create directory").WithCause(err)
	}
	perm := mode.Perm() | 0o600
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return version.NewError(version.KindIOFailure, "", "create %s", filepath.Base(full)).WithCause(err)
	}
	remaining := x.limit - x.written
	n, err := io.Copy(f, io.LimitReader(r, remaining+1))
	cerr := f.Close()
	x.written += n
	if err != nil {
		if errors.Is(err, zip.ErrChecksum) || errors.Is(err, gzip.ErrChecksum) || errors.Is(err, io.ErrUnexpectedEOF) {
			return invalid("corrupt entry %s", filepath.Base(full)).WithCause(err)
		}
		return version.NewError(version.KindIOFailure, "", "write %s", filepath.Base(full)).WithCause(err)
	}
	if cerr != nil {
		return version.NewError(version.KindIOFailure, "", "write %s", filepath.Base(full)).WithCause(cerr)
	}
	if x.written > x.limit {
		return invalid("archive expands beyond %d bytes", x.limit)
	}
	x.files++
	return nil
}

func (x *extractor) mkdir(full string) error {
	if err := os.MkdirAll(full, 0o755); err != nil {
		return version.NewError(version.KindIOFailure, "", "create directory").WithCause(err)
	}
	return nil
}

func (x *extractor) zip(p string, size int64) error {
	f, err := os.Open(p)
	if err != nil {
		return version.NewError(version.KindIOFailure, "", "open upload").WithCause(err)
	}
	defer func() { _ = f.Close() }()
	zr, err := zip.NewReader(f, size)
	if err != nil {
		return invalid("not a zip archive").WithCause(err)
	}
	// validate every name before touching the disk
	for _, zf := range zr.File {
		if _, err := x.resolve(zf.Name); err != nil {
			return err
		}
		if zf.Mode()&fs.ModeSymlink != 0 {
			return invalid("entry %q is a symlink", zf.Name)
		}
	}
	for _, zf := range zr.File {
		full, _ := x.resolve(zf.Name)
		if zf.FileInfo().IsDir() {
			if err := x.mkdir(full); err != nil {
				return err
			}
			continue
		}
		if !zf.Mode().IsRegular() {
			return invalid("entry %q is not a regular file", zf.Name)
		}
		rc, err := zf.Open()
		if err != nil {
			return invalid("open entry %q", zf.Name).WithCause(err)
		}
		err = x.writeFile(full, zf.Mode(), rc)
		_ = rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func (x *extractor) tarFile(p string, gz bool) error {
	f, err := os.Open(p)
	if err != nil {
		return version.NewError(version.KindIOFailure, "", "open upload").WithCause(err)
	}
	defer func() { _ = f.Close() }()
	var r io.Reader = bufio.NewReader(f)
	if gz {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return invalid("not a gzip stream").WithCause(err)
		}
		defer func() { _ = zr.Close() }()
		r = zr
	}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return invalid("corrupt tar stream").WithCause(err)
		}
		full, err := x.resolve(hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := x.mkdir(full); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := x.writeFile(full, fs.FileMode(hdr.Mode), tr); err != nil {
				return err
			}
		case tar.TypeSymlink, tar.TypeLink:
			return invalid("entry %q is a link", hdr.Name)
		case tar.TypeXGlobalHeader, tar.TypeXHeader:
		default:
			return invalid("entry %q has unsupported type %q", hdr.Name, hdr.Typeflag)
		}
	}
}

// singleRoot returns the only child of dir if it is a directory and dir holds nothing else.
func singleRoot(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return "", false
	}
	return filepath.Join(dir, entries[0].Name()), true
}

func exists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}

// withID stamps id onto version errors raised before the id was known.
func withID(err error, id string) error {
	var ve *version.Error
	if errors.As(err, &ve) {
		if ve.ID == "" {
			ve.ID = id
		}
		return ve
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return version.NewError(version.KindIOFailure, id, "extraction interrupted").WithCause(err)
	}
	return version.NewError(version.KindIOFailure, id, "extraction failed").WithCause(err)
}
