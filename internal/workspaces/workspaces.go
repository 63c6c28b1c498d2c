// Package workspaces discovers JavaScript workspace packages and monorepo tooling.
package workspaces

import (
	"encoding/json"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/alecthomas/types/optional"
	"github.com/bmatcuk/doublestar/v4"
	"sigs.k8s.io/yaml"
)

// Manager is a package manager with workspace support.
type Manager int

const (
	Yarn Manager = iota + 1
	NPM
	PNPM
)

var managerNames = map[Manager]string{
	Yarn: "yarn",
	NPM:  "npm",
	PNPM: "pnpm",
}

func (m Manager) String() string {
	if name, ok := managerNames[m]; ok {
		return name
	}
	return "unknown"
}

// ParseManager returns the manager named s.
func ParseManager(s string) (Manager, error) {
	for manager, name := range managerNames {
		if strings.EqualFold(name, s) {
			return manager, nil
		}
	}
	return 0, errors.Errorf("unknown workspace manager %q", s)
}

func (m Manager) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Manager) UnmarshalText(text []byte) error {
	manager, err := ParseManager(string(text))
	if err != nil {
		return err
	}
	*m = manager
	return nil
}

// Workspace is a workspace root inside a filesystem.
type Workspace struct {
	Manager Manager
	// Root is a slash separated path relative to the filesystem root. "" and
	// "." are the filesystem root.
	Root string
}

// lockfiles are checked in order.
var lockfiles = []struct {
	name    string
	manager Manager
}{
	{"pnpm-lock.yaml", PNPM},
	{"yarn.lock", Yarn},
	{"package-lock.json", NPM},
}

// DetectManager guesses the workspace manager from the lockfile at the root of fsys.
func DetectManager(fsys fs.FS) (optional.Option[Manager], error) {
	for _, lockfile := range lockfiles {
		ok, err := exists(fsys, lockfile.name)
		if err != nil {
			return optional.None[Manager](), err
		}
		if ok {
			return optional.Some(lockfile.manager), nil
		}
	}
	return optional.None[Manager](), nil
}

type packageJSON struct {
	Workspaces json.RawMessage `json:"workspaces"`
}

type pnpmWorkspace struct {
	Packages []string `json:"packages"`
}

// PackagePaths returns the directories of every package in the workspace,
// relative to the root of fsys.
func PackagePaths(fsys fs.FS, ws Workspace) ([]string, error) {
	root := path.Clean("/" + ws.Root)[1:]
	workspaceFS := fsys
	if root != "" {
		sub, err := fs.Sub(fsys, root)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		workspaceFS = sub
	}
	var globs []string
	var err error
	switch ws.Manager {
	case Yarn, NPM:
		globs, err = packageJSONGlobs(workspaceFS)
	case PNPM:
		globs, err = pnpmGlobs(workspaceFS)
	default:
		return nil, errors.Errorf("unknown workspace manager %s", ws.Manager)
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, glob := range globs {
		matches, err := doublestar.Glob(workspaceFS, path.Join(glob, "package.json"))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid workspace glob %q", glob)
		}
		for _, match := range matches {
			out = append(out, path.Join(root, path.Dir(match)))
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func packageJSONGlobs(fsys fs.FS) ([]string, error) {
	data, err := fs.ReadFile(fsys, "package.json")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, errors.Wrap(err, "package.json")
	}
	if len(pkg.Workspaces) == 0 {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(pkg.Workspaces, &list); err == nil {
		return list, nil
	}
	var object struct {
		Packages []string `json:"packages"`
	}
	if err := json.Unmarshal(pkg.Workspaces, &object); err != nil {
		return nil, errors.Wrap(err, "package.json: workspaces must be an array or an object with packages")
	}
	return object.Packages, nil
}

func pnpmGlobs(fsys fs.FS) ([]string, error) {
	data, err := fs.ReadFile(fsys, "pnpm-workspace.yaml")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var ws pnpmWorkspace
	if err := yaml.Unmarshal(data, &ws); err != nil {
		return nil, errors.Wrap(err, "pnpm-workspace.yaml")
	}
	return ws.Packages, nil
}

func exists(fsys fs.FS, name string) (bool, error) {
	_, err := fs.Stat(fsys, name)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, errors.WithStack(err)
}
