package writer

import (
	"fmt"
	"path"
	"strings"

	"netsync/internal/file"
)

// FileBackend stages plain files next to their targets in one file service.
type FileBackend struct {
	files    file.FileService
	staging  string
	reserved []string
}

// NewFileBackend creates a backend that stages into the named file.
// Names equal to or below any reserved path are refused.
func NewFileBackend(files file.FileService, staging string, reserved ...string) *FileBackend {
	b := &FileBackend{
		files:   files,
		staging: cleanName(staging),
	}
	for _, r := range reserved {
		if c := cleanName(r); c != "" {
			b.reserved = append(b.reserved, c)
		}
	}
	return b
}

// cleanName maps a remote name onto a root-relative path that cannot
// climb out of the root.
func cleanName(name string) string {
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}

func (b *FileBackend) target(name string) (string, error) {
	clean := cleanName(name)
	if clean == "" || clean == b.staging {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, r := range b.reserved {
		if clean == r || strings.HasPrefix(clean, r+"/") {
			return "", fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
		}
	}
	return clean, nil
}

// Prepare rejects names that cannot be stored.
func (b *FileBackend) Prepare(name string, size int64) error {
	if _, err := b.target(name); err != nil {
		return err
	}
	if size < 0 {
		return fmt.Errorf("invalid size %d", size)
	}
	return nil
}

func (b *FileBackend) Current(name string) (file.Digest, error) {
	target, err := b.target(name)
	if err != nil {
		return file.Digest{}, err
	}
	return b.files.Digest(target)
}

func (b *FileBackend) Create() (Sink, error) {
	return b.files.CreateWriter(b.staging)
}

func (b *FileBackend) Staged() (file.Digest, error) {
	return b.files.Digest(b.staging)
}

func (b *FileBackend) Promote(name string) error {
	target, err := b.target(name)
	if err != nil {
		return err
	}
	return b.files.Replace(b.staging, target)
}

func (b *FileBackend) Discard() error {
	return b.files.Remove(b.staging)
}
