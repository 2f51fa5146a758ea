package port

import (
	"io"
	"time"
)

// DiskUsage represents disk usage statistics
type DiskUsage struct {
	Total   uint64  // Total disk space in bytes
	Used    uint64  // Used disk space in bytes
	Free    uint64  // Free disk space in bytes
	UsedPct float64 // Used percentage (0-100)
}

// FileInfo describes one regular file in a directory listing
type FileInfo struct {
	Name     string
	Path     string
	Size     int64
	Modified time.Time
}

// PartialFile is an open partial download positioned at its end
type PartialFile interface {
	io.Writer
	Sync() error
	Close() error
}

// FileSystem defines the interface for filesystem operations
type FileSystem interface {
	// RootDir returns the models directory
	RootDir() string

	// ModelPath returns the deterministic destination for a filename
	ModelPath(filename string) string

	// PartialPath returns where in-progress data for a filename is written
	PartialPath(filename string) string

	// Exists reports whether path exists
	Exists(path string) bool

	// EnsureDir creates dir and its parents
	EnsureDir(dir string) error

	// ReadDir lists the regular files of dir
	ReadDir(dir string) ([]FileInfo, error)

	// Delete removes a file. A missing file is not an error.
	Delete(path string) error

	// Size returns the size of a file
	Size(path string) (int64, error)

	// OpenAppend opens path for writing, truncated to offset, positioned at the end.
	// The file is created when it does not exist; offset must then be 0.
	OpenAppend(path string, offset int64) (PartialFile, error)

	// Promote moves a finished partial file onto its destination
	Promote(partialPath, destPath string) error

	// DiskUsage returns disk usage statistics for the root directory
	DiskUsage() (*DiskUsage, error)
}
