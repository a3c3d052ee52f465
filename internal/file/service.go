package file

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/spf13/afero"
)

// digestBufferSize bounds the memory used while hashing a stream
const digestBufferSize = 256

// fileService implements FileService on top of an afero filesystem
type fileService struct {
	fs afero.Fs
}

// NewFileService creates a file service rooted at the given filesystem
func NewFileService(fs afero.Fs) FileService {
	return &fileService{fs: fs}
}

// NewRootedFileService creates a file service confined to dir on the host
// filesystem. Names passed to the service cannot escape dir.
func NewRootedFileService(dir string) (FileService, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return NewFileService(afero.NewBasePathFs(osFs, abs)), nil
}

// OpenReader opens a file for reading and returns file info
func (f *fileService) OpenReader(name string) (FileReader, error) {
	file, err := f.fs.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	return &fileReader{
		file: file,
		size: stat.Size(),
		name: stat.Name(),
	}, nil
}

// CreateWriter creates a file for writing
func (f *fileService) CreateWriter(name string) (FileWriter, error) {
	// Create directory if it doesn't exist
	if dir := path.Dir(filepath.ToSlash(name)); dir != "." && dir != "/" {
		if err := f.fs.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	file, err := f.fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	return &fileWriter{
		file: file,
		path: name,
	}, nil
}

// GetFileInfo returns information about a file
func (f *fileService) GetFileInfo(name string) (FileInfo, error) {
	stat, err := f.fs.Stat(name)
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	return &fileInfo{
		name: stat.Name(),
		size: stat.Size(),
		path: name,
	}, nil
}

// Digest calculates the md5 checksum and size of a file
func (f *fileService) Digest(name string) (Digest, error) {
	file, err := f.fs.Open(name)
	if err != nil {
		return Digest{}, fmt.Errorf("failed to open file for checksum: %w", err)
	}
	defer file.Close()

	return DigestReader(file)
}

// Remove deletes a file, ignoring files that do not exist
func (f *fileService) Remove(name string) error {
	if err := f.fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove file: %w", err)
	}
	return nil
}

// Replace renames src over dst. Filesystems that refuse to rename onto an
// existing file get dst removed first.
func (f *fileService) Replace(src, dst string) error {
	if dir := path.Dir(filepath.ToSlash(dst)); dir != "." && dir != "/" {
		if err := f.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	err := f.fs.Rename(src, dst)
	if err == nil {
		return nil
	}
	if _, statErr := f.fs.Stat(dst); statErr != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}

	if err := f.fs.Remove(dst); err != nil {
		return fmt.Errorf("failed to remove previous file: %w", err)
	}
	if err := f.fs.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// DigestReader hashes r to EOF in small buffers
func DigestReader(r io.Reader) (Digest, error) {
	hash := md5.New()
	buf := make([]byte, digestBufferSize)

	n, err := io.CopyBuffer(hash, r, buf)
	if err != nil {
		return Digest{}, fmt.Errorf("failed to read file for checksum: %w", err)
	}

	return Digest{
		MD5:  hex.EncodeToString(hash.Sum(nil)),
		Size: n,
	}, nil
}

// FormatFileSize formats file size in human readable format
func FormatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

// fileReader implements FileReader interface
type fileReader struct {
	file afero.File
	size int64
	name string
}

func (f *fileReader) Read(p []byte) (n int, err error) {
	return f.file.Read(p)
}

func (f *fileReader) Close() error {
	return f.file.Close()
}

func (f *fileReader) Size() int64 {
	return f.size
}

func (f *fileReader) Name() string {
	return f.name
}

// fileWriter implements FileWriter interface
type fileWriter struct {
	file afero.File
	path string
}

func (f *fileWriter) Write(p []byte) (n int, err error) {
	return f.file.Write(p)
}

func (f *fileWriter) Seek(offset int64, whence int) (int64, error) {
	return f.file.Seek(offset, whence)
}

func (f *fileWriter) Sync() error {
	return f.file.Sync()
}

func (f *fileWriter) Close() error {
	return f.file.Close()
}

func (f *fileWriter) Path() string {
	return f.path
}

// fileInfo implements FileInfo interface
type fileInfo struct {
	name string
	size int64
	path string
}

func (f *fileInfo) Name() string {
	return f.name
}

func (f *fileInfo) Size() int64 {
	return f.size
}

func (f *fileInfo) Path() string {
	return f.path
}
