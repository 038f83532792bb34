package version_test

import (
	"strings"
	"testing"

	"github.com/edumarques81/stellar-playback/internal/version"
)

func TestGetInfo(t *testing.T) {
	info := version.GetInfo()

	if info.Name != version.Name {
		t.Errorf("expected name %q, got %q", version.Name, info.Name)
	}
	if info.Version != version.Version {
		t.Errorf("expected version %q, got %q", version.Version, info.Version)
	}
	if info.GoVersion == "" {
		t.Error("expected go version to be populated")
	}
}

func TestInfoString(t *testing.T) {
	tests := []struct {
		name     string
		info     version.Info
		contains []string
		excludes []string
	}{
		{
			name:     "bare",
			info:     version.Info{Name: "Stellar Playback", Version: "1.2.3"},
			contains: []string{"Stellar Playback v1.2.3"},
			excludes: []string{"(", "built"},
		},
		{
			name:     "long commit is shortened",
			info:     version.Info{Name: "X", Version: "1", GitCommit: "0123456789abcdef"},
			contains: []string{"(0123456)"},
			excludes: []string{"89abcdef"},
		},
		{
			name:     "short commit kept",
			info:     version.Info{Name: "X", Version: "1", GitCommit: "abc"},
			contains: []string{"(abc)"},
		},
		{
			name:     "build time",
			info:     version.Info{Name: "X", Version: "1", BuildTime: "2026-01-01"},
			contains: []string{"built 2026-01-01"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.info.String()
			for _, want := range tt.contains {
				if !strings.Contains(s, want) {
					t.Errorf("String() = %q, want it to contain %q", s, want)
				}
			}
			for _, bad := range tt.excludes {
				if strings.Contains(s, bad) {
					t.Errorf("String() = %q, must not contain %q", s, bad)
				}
			}
		})
	}
}
