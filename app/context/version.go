package context

import (
	"fmt"
	"runtime/debug"
)

// VersionInfo describes the build of the running binary.
type VersionInfo struct {
	Semantic  string
	Commit    string
	Dirty     bool
	GoVersion string
}

// GetVersion returns the version information embedded by the Go toolchain.
func GetVersion() *VersionInfo {
	v := &VersionInfo{Semantic: "(devel)"}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return v
	}

	v.GoVersion = bi.GoVersion
	if bi.Main.Version != "" {
		v.Semantic = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			v.Commit = s.Value
		case "vcs.modified":
			v.Dirty = s.Value == "true"
		}
	}

	return v
}

func (v *VersionInfo) String() string {
	s := v.Semantic
	if v.Commit != "" {
		commit := v.Commit
		if len(commit) > 12 {
			commit = commit[:12]
		}
		s += fmt.Sprintf(" (%s", commit)
		if v.Dirty {
			s += "-dirty"
		}
		s += ")"
	}
	if v.GoVersion != "" {
		s += ", " + v.GoVersion
	}
	return s
}
