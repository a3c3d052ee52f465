// Package writer stages incoming content, verifies it against a declared
// md5 and size, and only then promotes it over the permanent target.
//
// A Writer moves through Idle → Active (declared) → Active+Open (receiving)
// and back to Idle on Commit or Abort. Nothing reaches the permanent
// location without passing verification in Commit.
package writer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"netsync/internal/file"
)

var (
	ErrNotOpen     = errors.New("no staging file open")
	ErrInvalidName = errors.New("invalid target name")
)

// MismatchError reports staged content that does not match the declaration.
type MismatchError struct {
	Expected file.Digest
	Actual   file.Digest
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("mismatch: expected md5=%s size=%d, got md5=%s size=%d",
		e.Expected.MD5, e.Expected.Size, e.Actual.MD5, e.Actual.Size)
}

// Sink is the staging object a Backend hands out for one transfer.
type Sink interface {
	io.Writer
	io.Seeker
	io.Closer
}

// Backend is the storage a Writer stages into and promotes from.
type Backend interface {
	// Prepare vetoes a declaration before any data is accepted.
	Prepare(name string, size int64) error

	// Current digests the content presently held for name. It returns an
	// error when there is no such content.
	Current(name string) (file.Digest, error)

	// Create discards previous staging content and returns a fresh sink.
	Create() (Sink, error)

	// Staged digests the staging content after its sink has been closed.
	Staged() (file.Digest, error)

	// Promote replaces the permanent target with the staging content.
	Promote(name string) error

	// Discard removes staging content. It is a no-op when nothing is staged.
	Discard() error
}

type syncer interface {
	Sync() error
}

// Writer owns the write, verify, commit lifecycle of one target kind.
type Writer struct {
	backend Backend
	logger  *slog.Logger

	name     string
	checksum string
	size     int64
	position int64
	active   bool
	sink     Sink // non-nil while open
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		w.logger = logger
	}
}

// New creates an idle writer on top of backend.
func New(backend Backend, opts ...Option) *Writer {
	w := &Writer{
		backend: backend,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "writer")
	return w
}

// Begin declares the next target. An attempt already in progress is
// aborted first. It fails only when the backend vetoes the declaration,
// in which case the writer stays idle.
func (w *Writer) Begin(name, checksum string, size int64) error {
	if w.active {
		w.logger.Info("begin: aborting existing task first", "name", w.name)
		w.Abort()
	}

	if err := w.backend.Prepare(name, size); err != nil {
		return err
	}

	w.name = name
	w.checksum = strings.ToLower(checksum)
	w.size = size
	w.position = 0
	w.active = true
	return nil
}

// UpToDate reports whether the content currently held for the declared
// name already matches the declared md5 and size.
func (w *Writer) UpToDate() bool {
	current, err := w.backend.Current(w.name)
	if err != nil {
		w.logger.Info("file offered", "name", w.name, "local", "absent",
			"remote_size", w.size, "remote_md5", w.checksum)
		return false
	}

	ok := current.Matches(w.checksum, w.size)
	w.logger.Info("file offered", "name", w.name,
		"local_size", current.Size, "local_md5", current.MD5,
		"remote_size", w.size, "remote_md5", w.checksum, "up_to_date", ok)
	return ok
}

// Open acquires a fresh staging sink and rewinds the position to zero.
func (w *Writer) Open() error {
	if w.sink != nil {
		w.sink.Close()
		w.sink = nil
	}

	sink, err := w.backend.Create()
	if err != nil {
		w.logger.Warn("staging file not opened", "name", w.name, "error", err)
		return fmt.Errorf("failed to open staging file: %w", err)
	}

	w.sink = sink
	w.position = 0
	w.active = true
	w.logger.Debug("staging file opened", "name", w.name)
	return nil
}

// Add appends p to the staging sink. The position advances by len(p)
// whether or not the sink accepts every byte.
func (w *Writer) Add(p []byte) error {
	if w.sink == nil {
		return ErrNotOpen
	}

	w.position += int64(len(p))
	if _, err := w.sink.Write(p); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return nil
}

// AddAt writes p at offset off. The position advances by len(p) once the
// seek succeeds, so overlapping or repeated chunks overcount it; Commit's
// digest comparison is what decides whether the content is complete.
func (w *Writer) AddAt(p []byte, off int64) error {
	if w.sink == nil {
		return ErrNotOpen
	}

	if _, err := w.sink.Seek(off, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to %d: %w", off, err)
	}
	w.position += int64(len(p))
	if _, err := w.sink.Write(p); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return nil
}

// Commit closes the staging sink, verifies it and promotes it. On any
// failure the attempt is aborted and the permanent target is untouched.
func (w *Writer) Commit() error {
	if w.sink == nil {
		return ErrNotOpen
	}

	if s, ok := w.sink.(syncer); ok {
		if err := s.Sync(); err != nil {
			w.logger.Warn("sync failed", "name", w.name, "error", err)
		}
	}
	closeErr := w.sink.Close()
	w.sink = nil
	if closeErr != nil {
		w.Abort()
		return fmt.Errorf("failed to close staging file: %w", closeErr)
	}

	staged, err := w.backend.Staged()
	if err != nil {
		w.Abort()
		return fmt.Errorf("failed to digest staging file: %w", err)
	}

	expected := file.Digest{MD5: w.checksum, Size: w.size}
	if !staged.Matches(expected.MD5, expected.Size) {
		w.logger.Warn("commit mismatch", "name", w.name,
			"advertised_md5", expected.MD5, "advertised_size", expected.Size,
			"md5", staged.MD5, "size", staged.Size)
		w.Abort()
		return &MismatchError{Expected: expected, Actual: staged}
	}

	if err := w.backend.Promote(w.name); err != nil {
		w.Abort()
		return fmt.Errorf("failed to promote %s: %w", w.name, err)
	}

	w.logger.Info("commit match", "name", w.name, "md5", staged.MD5, "size", staged.Size)
	w.reset()
	return nil
}

// Abort discards any staging content and returns the writer to idle. It
// is safe to call in any state, any number of times.
func (w *Writer) Abort() {
	if w.sink != nil {
		w.sink.Close()
		w.sink = nil
	}
	if err := w.backend.Discard(); err != nil {
		w.logger.Warn("failed to discard staging file", "error", err)
	}
	w.reset()
}

func (w *Writer) reset() {
	w.name = ""
	w.checksum = ""
	w.size = 0
	w.position = 0
	w.active = false
}

// Position returns the write-cursor extent of the current attempt.
func (w *Writer) Position() int64 {
	return w.position
}

// Running reports whether a transfer has begun and not yet finished.
func (w *Writer) Running() bool {
	return w.active
}

// IsOpen reports whether a staging sink is held.
func (w *Writer) IsOpen() bool {
	return w.sink != nil
}

// Name returns the declared target name.
func (w *Writer) Name() string {
	return w.name
}
