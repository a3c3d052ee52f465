package file

import (
	"io"
)

// FileService handles storage operations on named byte streams
type FileService interface {
	// OpenReader opens a file for reading
	OpenReader(name string) (FileReader, error)

	// CreateWriter truncates or creates a file for writing, creating parent
	// directories as needed
	CreateWriter(name string) (FileWriter, error)

	// GetFileInfo returns information about a file
	GetFileInfo(name string) (FileInfo, error)

	// Digest returns the md5 and size of a file's content
	Digest(name string) (Digest, error)

	// Remove deletes a file. Removing a missing file is not an error.
	Remove(name string) error

	// Replace moves src over dst, replacing any existing dst
	Replace(src, dst string) error
}

// FileReader represents a file opened for reading
type FileReader interface {
	io.Reader
	io.Closer

	// Size returns the file size in bytes
	Size() int64

	// Name returns the file name
	Name() string
}

// FileWriter represents a file opened for writing. Seek allows chunks to
// be placed at an explicit offset.
type FileWriter interface {
	io.Writer
	io.Seeker
	io.Closer

	// Sync flushes written data to stable storage
	Sync() error

	// Path returns the file path
	Path() string
}

// FileInfo contains file metadata
type FileInfo interface {
	// Name returns the file name
	Name() string

	// Size returns the file size in bytes
	Size() int64

	// Path returns the full file path
	Path() string
}

// Digest identifies stored content by md5 and length
type Digest struct {
	MD5  string // lower-case hex
	Size int64
}

// Matches reports whether d describes content with the given md5 and size.
func (d Digest) Matches(md5 string, size int64) bool {
	return d.Size == size && d.MD5 == md5
}
