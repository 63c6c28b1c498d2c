// Package filetree enumerates the local files that make up a deployment.
package filetree

import (
	"bufio"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/bmatcuk/doublestar/v4"

	"github.com/block/shipit/internal/log"
)

// IgnoreFile is read from the root of a directory deployment if present.
const IgnoreFile = ".shipitignore"

// DefaultIgnore is always applied.
var DefaultIgnore = []string{".git/", "node_modules/", ".shipit/", ".DS_Store", IgnoreFile}

type Options struct {
	// Ignore is a list of additional gitignore-like patterns matched with doublestar.
	Ignore []string
}

// Tree is the result of enumerating a deployment.
type Tree struct {
	// Root is the directory that relative names are derived from.
	Root string
	// Files is an ordered list of absolute file paths.
	Files []string
}

// Build enumerates the files to deploy.
//
// A single directory path is walked recursively. A single file, or a list of
// files, is returned as given with Root set to their deepest common parent.
func Build(ctx context.Context, paths []string, options Options) (Tree, error) {
	logger := log.FromContext(ctx)
	if len(paths) == 0 {
		return Tree{}, errors.New("no paths provided")
	}
	if len(paths) == 1 {
		info, err := os.Stat(paths[0])
		if err != nil {
			return Tree{}, errors.WithStack(err)
		}
		if info.IsDir() {
			root := filepath.Clean(paths[0])
			matcher, err := loadMatcher(root, options.Ignore)
			if err != nil {
				return Tree{}, err
			}
			files, err := walk(ctx, root, matcher)
			if err != nil {
				return Tree{}, err
			}
			logger.Debugf("Found %d files in %s", len(files), root)
			return Tree{Root: root, Files: files}, nil
		}
	}
	root := commonParent(paths)
	matcher, err := newMatcher(append(slices.Clone(DefaultIgnore), options.Ignore...))
	if err != nil {
		return Tree{}, err
	}
	seen := map[string]bool{}
	files := make([]string, 0, len(paths))
	for _, path := range paths {
		path = filepath.Clean(path)
		if seen[path] {
			continue
		}
		seen[path] = true
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return Tree{}, errors.WithStack(err)
		}
		if matcher.matchPath(filepath.ToSlash(rel)) {
			logger.Tracef("Ignoring %s", rel)
			continue
		}
		files = append(files, path)
	}
	return Tree{Root: root, Files: files}, nil
}

func walk(ctx context.Context, root string, matcher *matcher) ([]string, error) {
	logger := log.FromContext(ctx)
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.WithStack(err)
		}
		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return errors.WithStack(err)
		}
		rel = filepath.ToSlash(rel)
		if matcher.match(rel, d.IsDir()) {
			logger.Tracef("Ignoring %s", rel)
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		switch {
		case d.IsDir():
			return nil
		case d.Type().IsRegular():
			out = append(out, path)
		case d.Type()&fs.ModeSymlink != 0:
			info, err := os.Stat(path)
			if err != nil {
				logger.Debugf("Skipping dangling symlink %s", rel)
				return nil
			}
			if info.Mode().IsRegular() {
				out = append(out, path)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to enumerate %s", root)
	}
	return out, nil
}

func loadMatcher(root string, extra []string) (*matcher, error) {
	patterns := slices.Clone(DefaultIgnore)
	f, err := os.Open(filepath.Join(root, IgnoreFile))
	if err == nil {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			patterns = append(patterns, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", IgnoreFile)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, errors.WithStack(err)
	}
	return newMatcher(append(patterns, extra...))
}

type pattern struct {
	glob    string
	dirOnly bool
}

type matcher struct {
	patterns []pattern
}

func newMatcher(patterns []string) (*matcher, error) {
	m := &matcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		dirOnly := strings.HasSuffix(p, "/")
		anchored := strings.HasPrefix(p, "/")
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		// Patterns without a separator match at any depth unless anchored with a leading "/".
		if !anchored && !strings.Contains(p, "/") {
			p = "**/" + p
		}
		if !doublestar.ValidatePattern(p) {
			return nil, errors.Errorf("invalid ignore pattern %q", p)
		}
		m.patterns = append(m.patterns, pattern{glob: p, dirOnly: dirOnly})
	}
	return m, nil
}

func (m *matcher) match(rel string, isDir bool) bool {
	for _, p := range m.patterns {
		if p.dirOnly && !isDir {
			continue
		}
		if ok, _ := doublestar.Match(p.glob, rel); ok { //nolint:errcheck
			return true
		}
	}
	return false
}

// matchPath reports whether a file or any of its parent directories is ignored.
func (m *matcher) matchPath(rel string) bool {
	parts := strings.Split(rel, "/")
	for i := 1; i < len(parts); i++ {
		if m.match(strings.Join(parts[:i], "/"), true) {
			return true
		}
	}
	return m.match(rel, false)
}

func commonParent(paths []string) string {
	root := filepath.Dir(filepath.Clean(paths[0]))
	for _, path := range paths[1:] {
		dir := filepath.Dir(filepath.Clean(path))
		for !isWithin(root, dir) {
			parent := filepath.Dir(root)
			if parent == root {
				break
			}
			root = parent
		}
	}
	return root
}

func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
