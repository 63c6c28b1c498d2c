package filetree

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/block/shipit/internal/log"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		assert.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
		assert.NoError(t, os.WriteFile(path, []byte(content), 0600))
	}
}

func relativeFiles(t *testing.T, tree Tree) []string {
	t.Helper()
	out := []string{}
	for _, file := range tree.Files {
		rel, err := filepath.Rel(tree.Root, file)
		assert.NoError(t, err)
		out = append(out, filepath.ToSlash(rel))
	}
	return out
}

func TestBuildDirectory(t *testing.T) {
	ctx := log.ContextWithNewDefaultLogger(context.Background())
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"index.html":               "<html>",
		"src/app.js":               "app",
		"src/app.test.js":          "test",
		"node_modules/left/pad.js": "pad",
		".git/HEAD":                "ref",
		"logs/build.log":           "log",
		IgnoreFile:                 "# comment\n*.test.js\nlogs/\n",
	})

	tree, err := Build(ctx, []string{root}, Options{})
	assert.NoError(t, err)
	assert.Equal(t, root, tree.Root)
	assert.Equal(t, []string{"index.html", "src/app.js"}, relativeFiles(t, tree))
}

func TestBuildExtraIgnore(t *testing.T) {
	ctx := log.ContextWithNewDefaultLogger(context.Background())
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"a.txt":          "a",
		"b.md":           "b",
		"docs/readme.md": "c",
	})
	tree, err := Build(ctx, []string{root}, Options{Ignore: []string{"*.md"}})
	assert.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, relativeFiles(t, tree))
}

func TestBuildAnchoredIgnore(t *testing.T) {
	ctx := log.ContextWithNewDefaultLogger(context.Background())
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"build/out.js":        "out",
		"src/build/helper.js": "helper",
		"dist":                "dist",
		"src/dist":            "nested dist",
		"src/app.js":          "app",
	})
	tree, err := Build(ctx, []string{root}, Options{Ignore: []string{"/build/", "/dist"}})
	assert.NoError(t, err)
	assert.Equal(t, []string{"src/app.js", "src/build/helper.js", "src/dist"}, relativeFiles(t, tree))
}

func TestBuildExplicitList(t *testing.T) {
	ctx := log.ContextWithNewDefaultLogger(context.Background())
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"web/a.txt": "a",
		"api/b.txt": "b",
		".git/HEAD": "ref",
	})
	tree, err := Build(ctx, []string{
		filepath.Join(root, "web", "a.txt"),
		filepath.Join(root, "api", "b.txt"),
		filepath.Join(root, "web", "a.txt"),
		filepath.Join(root, ".git", "HEAD"),
	}, Options{})
	assert.NoError(t, err)
	assert.Equal(t, root, tree.Root)
	assert.Equal(t, []string{"web/a.txt", "api/b.txt"}, relativeFiles(t, tree))
}

func TestBuildSingleFile(t *testing.T) {
	ctx := log.ContextWithNewDefaultLogger(context.Background())
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"only.txt": "x"})
	tree, err := Build(ctx, []string{filepath.Join(root, "only.txt")}, Options{})
	assert.NoError(t, err)
	assert.Equal(t, root, tree.Root)
	assert.Equal(t, []string{"only.txt"}, relativeFiles(t, tree))
}

func TestBuildEmptyDirectory(t *testing.T) {
	ctx := log.ContextWithNewDefaultLogger(context.Background())
	tree, err := Build(ctx, []string{t.TempDir()}, Options{})
	assert.NoError(t, err)
	assert.Equal(t, 0, len(tree.Files))
}

func TestBuildMissingPath(t *testing.T) {
	ctx := log.ContextWithNewDefaultLogger(context.Background())
	_, err := Build(ctx, []string{filepath.Join(t.TempDir(), "missing")}, Options{})
	assert.Error(t, err)
}
