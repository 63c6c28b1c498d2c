package workspaces

import (
	"io/fs"
	"regexp"

	"github.com/alecthomas/errors"
	"github.com/alecthomas/types/optional"
)

// Detector matches a file, and optionally its content.
type Detector struct {
	Path         string
	MatchContent *regexp.Regexp
}

// MonorepoManager is a monorepo build tool recognised by the files it leaves
// at the repository root.
type MonorepoManager struct {
	Name string
	Slug string
	// Some matches if any detector matches.
	Some []Detector
	// Every matches only if all detectors match.
	Every []Detector
}

// MonorepoManagers are checked in order by DetectMonorepo.
var MonorepoManagers = []MonorepoManager{
	{
		Name: "Turborepo",
		Slug: "turbo",
		Some: []Detector{
			{Path: "turbo.json"},
			{Path: "package.json", MatchContent: regexp.MustCompile(`"turbo":\s*{[^}]*.+[^}]*}`)},
		},
	},
	{Name: "Nx", Slug: "nx", Every: []Detector{{Path: "nx.json"}}},
	{Name: "Rush", Slug: "rush", Every: []Detector{{Path: "rush.json"}}},
}

// DetectMonorepo returns the first of MonorepoManagers that matches fsys.
func DetectMonorepo(fsys fs.FS) (optional.Option[MonorepoManager], error) {
	for _, manager := range MonorepoManagers {
		ok, err := manager.Matches(fsys)
		if err != nil {
			return optional.None[MonorepoManager](), err
		}
		if ok {
			return optional.Some(manager), nil
		}
	}
	return optional.None[MonorepoManager](), nil
}

// Matches reports whether the manager's detectors match fsys.
func (m MonorepoManager) Matches(fsys fs.FS) (bool, error) {
	for _, detector := range m.Some {
		ok, err := detector.matches(fsys)
		if err != nil || ok {
			return ok, err
		}
	}
	if len(m.Every) == 0 {
		return false, nil
	}
	for _, detector := range m.Every {
		ok, err := detector.matches(fsys)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (d Detector) matches(fsys fs.FS) (bool, error) {
	if d.MatchContent == nil {
		return exists(fsys, d.Path)
	}
	data, err := fs.ReadFile(fsys, d.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, errors.WithStack(err)
	}
	return d.MatchContent.Match(data), nil
}
