// Package archive packs a deployment into a single tar+gzip or zip blob.
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/block/shipit/internal/hashes"
	"github.com/block/shipit/internal/log"
)

// Format of a bundled deployment.
type Format int

const (
	None Format = iota
	Tgz
	Zip
)

// Dir is the directory the synthetic archive entry is named under.
const Dir = ".shipit"

// ArchiveMode is the permission of the synthetic archive entry.
const ArchiveMode os.FileMode = 0o666

func (f Format) String() string {
	switch f {
	case None:
		return "none"
	case Tgz:
		return "tgz"
	case Zip:
		return "zip"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Name is the entry name the archive is deployed as.
func (f Format) Name() string {
	switch f {
	case Tgz:
		return Dir + "/source.tgz"
	case Zip:
		return Dir + "/source.zip"
	default:
		return ""
	}
}

func (f Format) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Format) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "", "none":
		*f = None
	case "tgz", "tar.gz":
		*f = Tgz
	case "zip":
		*f = Zip
	default:
		return errors.Errorf("unknown archive format %q, expected one of none, tgz, zip", text)
	}
	return nil
}

// ArchiveError is returned when an archive can not be built. It is never retried.
type ArchiveError struct {
	Format Format
	Err    error
}

func (a *ArchiveError) Error() string {
	return fmt.Sprintf("failed to create %s archive: %s", a.Format, a.Err)
}
func (a *ArchiveError) Unwrap() error { return a.Err }

type member struct {
	name string
	path string
}

// relativePaths pairs each file with its name relative to root.
func relativePaths(root string, paths []string) ([]member, error) {
	out := make([]member, 0, len(paths))
	for _, path := range paths {
		name, err := hashes.RelativeName(root, path)
		if err != nil {
			return nil, err
		}
		out = append(out, member{name: name, path: path})
	}
	return out, nil
}

// Build packs paths in the given format and returns a single entry map named
// after the format.
func Build(ctx context.Context, format Format, root string, paths []string) (hashes.Files, error) {
	var (
		data []byte
		err  error
	)
	switch format {
	case Tgz:
		data, err = Tgzip(ctx, root, paths)
	case Zip:
		data, err = Zipped(ctx, root, paths)
	default:
		return nil, &ArchiveError{Format: format, Err: errors.New("not an archive format")}
	}
	if err != nil {
		return nil, err
	}
	return hashes.FromBytes(format.Name(), data, ArchiveMode), nil
}

// Tgzip writes paths into a gzipped tarball, buffered in memory.
func Tgzip(ctx context.Context, root string, paths []string) ([]byte, error) {
	logger := log.FromContext(ctx)
	members, err := relativePaths(root, paths)
	if err != nil {
		return nil, &ArchiveError{Format: Tgz, Err: err}
	}
	buf := &bytes.Buffer{}
	gz := gzip.NewWriter(buf)
	tw := tar.NewWriter(gz)
	for _, m := range members {
		if err := addTarMember(tw, m); err != nil {
			return nil, &ArchiveError{Format: Tgz, Err: err}
		}
	}
	if err := tw.Close(); err != nil {
		return nil, &ArchiveError{Format: Tgz, Err: errors.WithStack(err)}
	}
	if err := gz.Close(); err != nil {
		return nil, &ArchiveError{Format: Tgz, Err: errors.WithStack(err)}
	}
	logger.Debugf("Packed %d files into a %d byte tarball", len(members), buf.Len())
	return buf.Bytes(), nil
}

func addTarMember(tw *tar.Writer, m member) error {
	f, err := os.Open(m.path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close() //nolint:errcheck
	info, err := f.Stat()
	if err != nil {
		return errors.WithStack(err)
	}
	if !info.Mode().IsRegular() {
		return errors.Errorf("%s is not a regular file", m.path)
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return errors.WithStack(err)
	}
	header.Name = m.name
	header.Format = tar.FormatPAX
	if err := tw.WriteHeader(header); err != nil {
		return errors.WithStack(err)
	}
	_, err = io.Copy(tw, f)
	return errors.WithStack(err)
}

// Zipped writes paths into a zip archive, buffered in memory, preserving each
// file's permission bits.
func Zipped(ctx context.Context, root string, paths []string) ([]byte, error) {
	logger := log.FromContext(ctx)
	members, err := relativePaths(root, paths)
	if err != nil {
		return nil, &ArchiveError{Format: Zip, Err: err}
	}
	byName := make(map[string]string, len(members))
	for _, m := range members {
		byName[m.name] = m.path
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	slices.Sort(names)

	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for _, name := range names {
		if err := addZipMember(zw, member{name: name, path: byName[name]}); err != nil {
			return nil, &ArchiveError{Format: Zip, Err: err}
		}
	}
	if err := zw.Close(); err != nil {
		return nil, &ArchiveError{Format: Zip, Err: errors.WithStack(err)}
	}
	logger.Debugf("Packed %d files into a %d byte zip", len(names), buf.Len())
	return buf.Bytes(), nil
}

func addZipMember(zw *zip.Writer, m member) error {
	f, err := os.Open(m.path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close() //nolint:errcheck
	info, err := f.Stat()
	if err != nil {
		return errors.WithStack(err)
	}
	if !info.Mode().IsRegular() {
		return errors.Errorf("%s is not a regular file", m.path)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return errors.WithStack(err)
	}
	header.Name = m.name
	header.Method = zip.Deflate
	header.SetMode(info.Mode())
	w, err := zw.CreateHeader(header)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = io.Copy(w, f)
	return errors.WithStack(err)
}
