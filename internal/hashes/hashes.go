// Package hashes computes content digests for a deployment and folds files
// with identical content into a single entry.
package hashes

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/alecthomas/errors"
	"golang.org/x/sync/errgroup"

	"github.com/block/shipit/internal/log"
	"github.com/block/shipit/internal/sha1"
)

// Source provides the bytes of a FileEntry. It may be opened more than once.
type Source interface {
	Open() (io.ReadCloser, error)
}

// FileSource reads from a local file.
type FileSource string

func (f FileSource) Open() (io.ReadCloser, error) {
	r, err := os.Open(string(f))
	return r, errors.WithStack(err)
}

// BytesSource reads from memory.
type BytesSource []byte

func (b BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

// FileEntry is a single piece of content and every name it is deployed as.
type FileEntry struct {
	Digest sha1.SHA1
	// Names are slash separated paths relative to the deployment root, in
	// enumeration order. Never empty.
	Names []string
	Size  int64
	Mode  os.FileMode
	Data  Source
}

// Summary is the wire representation of a FileEntry.
type Summary struct {
	Names []string `json:"names"`
	Size  int64    `json:"size"`
	Mode  uint32   `json:"mode,omitempty"`
}

// Files maps a digest to its content. Keys are unique.
type Files map[sha1.SHA1]*FileEntry

// Digests returns all digests in sorted order.
func (f Files) Digests() []sha1.SHA1 {
	out := make([]sha1.SHA1, 0, len(f))
	for digest := range f {
		out = append(out, digest)
	}
	slices.SortFunc(out, func(a, b sha1.SHA1) int { return bytes.Compare(a[:], b[:]) })
	return out
}

// Summary returns the digest -> {names, size} projection of the map.
func (f Files) Summary() map[sha1.SHA1]Summary {
	out := make(map[sha1.SHA1]Summary, len(f))
	for digest, entry := range f {
		out[digest] = Summary{
			Names: slices.Clone(entry.Names),
			Size:  entry.Size,
			Mode:  uint32(entry.Mode.Perm()),
		}
	}
	return out
}

// TotalSize is the number of bytes that would be transferred if every entry were uploaded.
func (f Files) TotalSize() int64 {
	var total int64
	for _, entry := range f {
		total += entry.Size
	}
	return total
}

// NameCount is the number of names across all entries.
func (f Files) NameCount() int {
	count := 0
	for _, entry := range f {
		count += len(entry.Names)
	}
	return count
}

// ReadError is returned when a local file can not be read.
type ReadError struct {
	Path string
	Err  error
}

func (r *ReadError) Error() string { return fmt.Sprintf("failed to read %s: %s", r.Path, r.Err) }
func (r *ReadError) Unwrap() error { return r.Err }

type hashed struct {
	digest sha1.SHA1
	name   string
	size   int64
	mode   os.FileMode
}

// Hash computes the digest of each file and groups them by content.
//
// Names are derived relative to root. Files are hashed in parallel but the
// resulting names are always in the order of paths.
func Hash(ctx context.Context, root string, paths []string) (Files, error) {
	logger := log.FromContext(ctx)
	results := make([]hashed, len(paths))
	wg, ctx := errgroup.WithContext(ctx)
	wg.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range paths {
		wg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return errors.WithStack(err)
			}
			result, err := hashFile(root, path)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return nil, err
	}
	files := Files{}
	for i, result := range results {
		if entry, ok := files[result.digest]; ok {
			entry.Names = append(entry.Names, result.name)
			continue
		}
		files[result.digest] = &FileEntry{
			Digest: result.digest,
			Names:  []string{result.name},
			Size:   result.size,
			Mode:   result.mode,
			Data:   FileSource(paths[i]),
		}
	}
	logger.Debugf("Hashed %d files into %d unique entries", len(paths), len(files))
	return files, nil
}

func hashFile(root, path string) (hashed, error) {
	name, err := RelativeName(root, path)
	if err != nil {
		return hashed{}, &ReadError{Path: path, Err: err}
	}
	r, err := os.Open(path)
	if err != nil {
		return hashed{}, &ReadError{Path: path, Err: err}
	}
	defer r.Close() //nolint:errcheck
	info, err := r.Stat()
	if err != nil {
		return hashed{}, &ReadError{Path: path, Err: err}
	}
	if !info.Mode().IsRegular() {
		return hashed{}, &ReadError{Path: path, Err: errors.Errorf("not a regular file (%s)", info.Mode().Type())}
	}
	digest, size, err := sha1.SumReader(r)
	if err != nil {
		return hashed{}, &ReadError{Path: path, Err: err}
	}
	return hashed{digest: digest, name: name, size: size, mode: info.Mode()}, nil
}

// RelativeName returns the slash separated path of file relative to root.
//
// It is an error for file to be outside root.
func RelativeName(root, file string) (string, error) {
	rel, err := filepath.Rel(root, file)
	if err != nil {
		return "", errors.WithStack(err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("%s is not within %s", file, root)
	}
	return filepath.ToSlash(rel), nil
}

// FromBytes returns a single entry map for in-memory content such as an archive.
func FromBytes(name string, data []byte, mode os.FileMode) Files {
	digest := sha1.Sum(data)
	return Files{digest: &FileEntry{
		Digest: digest,
		Names:  []string{name},
		Size:   int64(len(data)),
		Mode:   mode,
		Data:   BytesSource(data),
	}}
}
