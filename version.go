package shipit

import (
	"regexp"
	"runtime"

	"golang.org/x/mod/semver"
)

var releasePattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// IsRelease returns true if the version is a release version.
func IsRelease(v string) bool {
	return releasePattern.MatchString(v)
}

// IsNewer reports whether latest is a later release than current.
//
// Development builds and non-release versions are never considered outdated.
func IsNewer(latest, current string) bool {
	if !IsRelease(latest) || !IsRelease(current) {
		return false
	}
	return semver.Compare("v"+latest, "v"+current) > 0
}

// UserAgent identifies this binary to the API.
func UserAgent() string {
	return "shipit/" + Version + " (" + runtime.GOOS + "/" + runtime.GOARCH + ")"
}

// Version of the shipit binary (set by linker).
var Version = "dev"

// Timestamp of the shipit binary (set by linker).
var Timestamp = "0"
