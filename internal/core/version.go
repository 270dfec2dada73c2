package core

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

var Version string

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		Version = "devel"
		return
	}
	Version = versionFromBuildInfo(info)
}

// versionFromBuildInfo prefers the module version of tagged builds and
// falls back to the VCS revision for local ones.
func versionFromBuildInfo(info *debug.BuildInfo) string {
	if v := info.Main.Version; v != "" && v != "(devel)" && !isPseudoVersion(v) {
		return v
	}

	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return "devel"
	}

	short := revision
	if len(short) > 7 {
		short = short[:7]
	}
	v := "devel-" + short
	if dirty {
		v += "-dirty"
	}
	return v
}

// FormatVersion strips the "v" of tagged releases; devel versions pass
// through unchanged.
//   - "v1.12.0" → "1.12.0"
//   - "devel-ad721b3-dirty" → "devel-ad721b3-dirty"
func FormatVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}

// VersionLine is printed by `frontman version` and reported on /status.
func VersionLine() string {
	return fmt.Sprintf("frontman %s (%s, %s/%s)", FormatVersion(Version), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// isPseudoVersion reports whether v looks like a Go module pseudo-version,
// e.g. v0.0.0-20260217105831-82903d1d8810.
func isPseudoVersion(v string) bool {
	if i := strings.Index(v, "+"); i >= 0 {
		v = v[:i]
	}
	i := strings.LastIndex(v, "-")
	if i < 0 {
		return false
	}
	hash := v[i+1:]
	if len(hash) != 12 {
		return false
	}
	for _, c := range hash {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
