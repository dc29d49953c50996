package core

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Version identifies the running kiln binary. It feeds both the version
// command and the daemon fingerprint, so it must change whenever the
// binary does: tagged releases carry the module version, local builds the
// VCS revision.
var Version = buildVersion()

func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "devel"
	}

	if v := info.Main.Version; v != "" && v != "(devel)" {
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

	if len(revision) > 7 {
		revision = revision[:7]
	}
	if dirty {
		return fmt.Sprintf("devel-%s-dirty", revision)
	}
	return fmt.Sprintf("devel-%s", revision)
}

// FormatVersion strips the "v" prefix from tagged releases for display.
// Devel versions pass through unchanged.
func FormatVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}
