package shipit

import (
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestIsNewer(t *testing.T) {
	tests := []struct {
		latest  string
		current string
		want    bool
	}{
		// Non-release versions never prompt an update.
		{"1.2.3", "dev", false},
		{"dev", "1.2.3", false},
		{"1.2", "1.2.3", false},
		{"2.0.0-canary.1", "1.2.3", false},
		{"", "1.2.3", false},

		{"1.2.3", "1.2.3", false},
		{"2.2.3", "1.2.3", true},
		{"1.3.3", "1.2.3", true},
		{"1.2.4", "1.2.3", true},
		{"1.10.0", "1.9.9", true},
		{"1.2.3", "2.2.3", false},
		{"1.2.3", "1.2.4", false},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, IsNewer(test.latest, test.current), "IsNewer(%q, %q)", test.latest, test.current)
	}
}

func TestUserAgent(t *testing.T) {
	assert.True(t, strings.HasPrefix(UserAgent(), "shipit/"+Version+" ("))
}
