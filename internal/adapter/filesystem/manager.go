package filesystem

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/vertextoedge/model-downloader/internal/port"
)

// PartialSuffix is appended to a filename while its data is still arriving
const PartialSuffix = ".downloading"

// Manager handles local filesystem operations for the models directory
type Manager struct {
	rootDir string
}

// Ensure Manager implements port.FileSystem
var _ port.FileSystem = (*Manager)(nil)

// NewManager creates a new filesystem manager, creating rootDir if needed
func NewManager(rootDir string) (*Manager, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create models dir: %w", err)
	}
	return &Manager{rootDir: rootDir}, nil
}

// RootDir returns the models directory
func (m *Manager) RootDir() string {
	return m.rootDir
}

// ModelPath returns the destination path for a filename
func (m *Manager) ModelPath(filename string) string {
	return filepath.Join(m.rootDir, filename)
}

// PartialPath returns the in-progress path for a filename
func (m *Manager) PartialPath(filename string) string {
	return m.ModelPath(filename) + PartialSuffix
}

// Exists checks if a file exists
func (m *Manager) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EnsureDir ensures a directory exists
func (m *Manager) EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// ReadDir lists regular files in dir sorted by name. Partial files are skipped.
func (m *Manager) ReadDir(dir string) ([]port.FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]port.FileInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || filepath.Ext(entry.Name()) == PartialSuffix {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		files = append(files, port.FileInfo{
			Name:     entry.Name(),
			Path:     filepath.Join(dir, entry.Name()),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Delete removes a file
func (m *Manager) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Size returns the size of a file
func (m *Manager) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// OpenAppend opens a partial file for writing from offset
func (m *Manager) OpenAppend(path string, offset int64) (port.PartialFile, error) {
	if offset < 0 {
		return nil, fmt.Errorf("negative offset %d", offset)
	}
	if err := m.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("failed to create parent dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open partial file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat partial file: %w", err)
	}
	if info.Size() < offset {
		f.Close()
		return nil, fmt.Errorf("partial file has %d bytes, cannot resume at %d", info.Size(), offset)
	}

	// Drop anything past the offset so the next write lands exactly there
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to truncate partial file: %w", err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to seek partial file: %w", err)
	}
	return f, nil
}

// Promote renames a finished partial file onto its destination
func (m *Manager) Promote(partialPath, destPath string) error {
	if err := m.EnsureDir(filepath.Dir(destPath)); err != nil {
		return fmt.Errorf("failed to create parent dir: %w", err)
	}
	if err := os.Rename(partialPath, destPath); err != nil {
		return fmt.Errorf("failed to rename partial file: %w", err)
	}
	return nil
}
