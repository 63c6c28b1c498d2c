package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/alecthomas/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/block/shipit/internal/log"
	"github.com/block/shipit/internal/sha1"
)

func fixture(t *testing.T) (string, []string) {
	t.Helper()
	root := t.TempDir()
	files := []struct {
		name    string
		content string
		mode    os.FileMode
	}{
		{"a.txt", "hello", 0644},
		{"b.txt", "hello", 0644},
		{"bin/c.sh", "world", 0755},
	}
	var paths []string
	for _, f := range files {
		path := filepath.Join(root, filepath.FromSlash(f.name))
		assert.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
		assert.NoError(t, os.WriteFile(path, []byte(f.content), f.mode))
		assert.NoError(t, os.Chmod(path, f.mode))
		paths = append(paths, path)
	}
	return root, paths
}

func TestZip(t *testing.T) {
	ctx := log.ContextWithNewDefaultLogger(context.Background())
	root, paths := fixture(t)

	files, err := Build(ctx, Zip, root, paths)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(files))
	for digest, entry := range files {
		assert.Equal(t, []string{".shipit/source.zip"}, entry.Names)
		assert.Equal(t, ArchiveMode, entry.Mode)
		data := readAll(t, entry.Data.Open)
		assert.Equal(t, digest, sha1.Sum(data))

		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		assert.NoError(t, err)
		got := map[string]string{}
		modes := map[string]os.FileMode{}
		for _, f := range zr.File {
			r, err := f.Open()
			assert.NoError(t, err)
			content, err := io.ReadAll(r)
			assert.NoError(t, err)
			got[f.Name] = string(content)
			modes[f.Name] = f.Mode().Perm()
		}
		assert.Equal(t, map[string]string{"a.txt": "hello", "b.txt": "hello", "bin/c.sh": "world"}, got)
		assert.Equal(t, os.FileMode(0755), modes["bin/c.sh"])
		assert.Equal(t, os.FileMode(0644), modes["a.txt"])
	}
}

func TestTgz(t *testing.T) {
	ctx := log.ContextWithNewDefaultLogger(context.Background())
	root, paths := fixture(t)

	files, err := Build(ctx, Tgz, root, paths)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(files))
	for _, entry := range files {
		assert.Equal(t, []string{".shipit/source.tgz"}, entry.Names)
		data := readAll(t, entry.Data.Open)
		gz, err := gzip.NewReader(bytes.NewReader(data))
		assert.NoError(t, err)
		tr := tar.NewReader(gz)
		var names []string
		for {
			header, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			assert.NoError(t, err)
			names = append(names, header.Name)
			if header.Name == "bin/c.sh" {
				assert.Equal(t, int64(0755), header.Mode&0777)
			}
		}
		assert.Equal(t, []string{"a.txt", "b.txt", "bin/c.sh"}, names)
	}
}

func TestArchiveError(t *testing.T) {
	ctx := log.ContextWithNewDefaultLogger(context.Background())
	root, paths := fixture(t)
	paths = append(paths, filepath.Join(root, "missing.txt"))

	for _, format := range []Format{Tgz, Zip} {
		_, err := Build(ctx, format, root, paths)
		var archiveErr *ArchiveError
		assert.True(t, errors.As(err, &archiveErr), "%s", format)
		assert.Equal(t, format, archiveErr.Format)
	}

	_, err := Build(ctx, Zip, filepath.Join(root, "bin"), paths)
	assert.Error(t, err)
}

func TestFormatText(t *testing.T) {
	var format Format
	assert.NoError(t, format.UnmarshalText([]byte("tar.gz")))
	assert.Equal(t, Tgz, format)
	assert.NoError(t, format.UnmarshalText([]byte("")))
	assert.Equal(t, None, format)
	assert.Error(t, format.UnmarshalText([]byte("rar")))
	assert.Equal(t, "zip", Zip.String())
}

func readAll(t *testing.T, open func() (io.ReadCloser, error)) []byte {
	t.Helper()
	r, err := open()
	assert.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	assert.NoError(t, err)
	return data
}
