package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
)

// fingerprintLen is the number of hex characters kept from the full digest.
// Long enough to make collisions irrelevant for a per-user daemon directory.
const fingerprintLen = 12

var (
	hostFingerprintOnce sync.Once
	hostFingerprint     string
)

// HostFingerprint identifies the machine a daemon can run on. A changed
// hostname or platform means existing process metadata must not be trusted
// (e.g. a config directory mounted into a container).
func HostFingerprint() string {
	hostFingerprintOnce.Do(func() {
		hostname, _ := os.Hostname()
		hasher := sha256.New()
		for _, component := range []string{hostname, runtime.GOOS, runtime.GOARCH} {
			hasher.Write([]byte(component))
			hasher.Write([]byte{0})
		}
		hostFingerprint = hex.EncodeToString(hasher.Sum(nil))[:fingerprintLen]
	})
	return hostFingerprint
}

// Fingerprint hashes every daemon-affecting option. Two daemons with equal
// fingerprints are interchangeable; any difference forces a restart.
func (c *Configuration) Fingerprint() string {
	lines := []string{
		"version=" + Version,
		"config_path=" + c.ConfigPath,
		fmt.Sprintf("port=%d", c.Daemon.Port),
		"idle_timeout=" + c.IdleTimeout().String(),
		"runner=" + c.Build.Runner,
		"source_roots=" + strings.Join(sortedCopy(c.Build.SourceRoots), ","),
		"ignore=" + strings.Join(sortedCopy(c.Build.Ignore), ","),
		"watch_debounce=" + c.WatchDebounce().String(),
	}

	hasher := sha256.New()
	for _, line := range lines {
		hasher.Write([]byte(line))
		hasher.Write([]byte{'\n'})
	}
	return hex.EncodeToString(hasher.Sum(nil))[:fingerprintLen]
}

func sortedCopy(values []string) []string {
	out := make([]string, len(values))
	copy(out, values)
	sort.Strings(out)
	return out
}
