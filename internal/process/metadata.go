// Package process manages on-disk process metadata and the lifecycle of one
// supervised OS process: liveness checks, spawn, and termination.
package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrStaleMetadata is returned when no usable metadata exists for the daemon:
// the file is missing, unreadable, or does not describe a plausible process.
var ErrStaleMetadata = errors.New("stale process metadata")

// Metadata captures runtime details of a supervised daemon process. It is
// the only cross-process shared mutable state: writers replace the whole
// file atomically, and readers must tolerate it being replaced underneath
// them.
type Metadata struct {
	Pid         int       `json:"pid"`
	Port        int       `json:"port"`
	Fingerprint string    `json:"fingerprint"`
	Exe         string    `json:"exe"`
	StartedAt   time.Time `json:"started_at"`
}

// ReadMetadata loads the metadata file from dir. A missing file returns
// ErrStaleMetadata; a corrupt file is treated the same way, since a partially
// written or damaged file carries no usable identity.
func ReadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrStaleMetadata
		}
		return nil, fmt.Errorf("read process metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, ErrStaleMetadata
	}
	if meta.Pid <= 0 {
		return nil, ErrStaleMetadata
	}
	return &meta, nil
}

// WriteMetadata persists meta into dir using a temp-file-plus-rename so a
// concurrent reader never observes a torn write.
func WriteMetadata(dir string, meta *Metadata) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create metadata directory: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode process metadata: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".metadata-*")
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp metadata file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp metadata file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, metadataFileName)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace metadata file: %w", err)
	}
	return nil
}

// PurgeMetadata removes the metadata file. Missing files are not an error.
func PurgeMetadata(dir string) error {
	err := os.Remove(filepath.Join(dir, metadataFileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("purge process metadata: %w", err)
	}
	return nil
}

const metadataFileName = "metadata.json"
