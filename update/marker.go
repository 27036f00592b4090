package update

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mandelsoft/vfs/pkg/vfs"
)

// Marker is a file that records the time of the last successful update cycle.
// External health checks compare its content with the current time.
type Marker struct {
	fs   vfs.FileSystem
	path string
}

// NewMarker returns a marker stored at path on the given filesystem.
func NewMarker(fs vfs.FileSystem, path string) *Marker {
	return &Marker{fs: fs, path: path}
}

// Path returns the location of the marker file.
func (m *Marker) Path() string {
	return m.path
}

// Touch records t as the time of the last success. The file is replaced
// atomically, so readers never observe partial content.
func (m *Marker) Touch(t time.Time) error {
	dir := filepath.Dir(m.path)
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed creating marker directory: %w", err)
	}

	tmp := m.path + ".tmp"
	data := []byte(t.UTC().Format(time.RFC3339) + "\n")
	if err := vfs.WriteFile(m.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed writing marker file: %w", err)
	}
	if err := m.fs.Rename(tmp, m.path); err != nil {
		_ = m.fs.Remove(tmp)
		return fmt.Errorf("failed replacing marker file: %w", err)
	}

	return nil
}

// Read returns the time of the last success. The returned error satisfies
// vfs.IsErrNotExist if no cycle has succeeded yet.
func (m *Marker) Read() (time.Time, error) {
	data, err := vfs.ReadFile(m.fs, m.path)
	if err != nil {
		return time.Time{}, err
	}

	t, err := time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid marker file content: %w", err)
	}

	return t, nil
}

// Age returns how long ago the last success happened, relative to now.
func (m *Marker) Age(now time.Time) (time.Duration, error) {
	t, err := m.Read()
	if err != nil {
		return 0, err
	}
	return now.Sub(t), nil
}
