package writer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"

	"netsync/internal/file"
)

// Firmware slot layout.
const (
	FirmwarePart   = "firmware.part"
	FirmwareImage  = "firmware.bin"
	FirmwareRecord = "boot.json"
)

var ErrImageTooLarge = errors.New("image too large")

// BootRecord tells the external apply step which image was staged.
type BootRecord struct {
	MD5      string    `json:"md5"`
	Size     int64     `json:"size"`
	StagedAt time.Time `json:"staged_at"`
}

// RunningImageFunc digests the image the device is currently running.
type RunningImageFunc func() (file.Digest, error)

// FirmwareBackend stages firmware images into a slot. Applying a staged
// image is left to whatever reads the boot record after a restart.
type FirmwareBackend struct {
	slot    file.FileService
	running RunningImageFunc
	maxSize int64
	now     func() time.Time
	lastErr string
}

// NewFirmwareBackend creates a backend staging into slot. running may be
// nil when the running image cannot be inspected.
func NewFirmwareBackend(slot file.FileService, maxSize int64, running RunningImageFunc) *FirmwareBackend {
	return &FirmwareBackend{
		slot:    slot,
		running: running,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// ExecutableImage digests the file at path, or the current executable when
// path is empty.
func ExecutableImage(path string) RunningImageFunc {
	return func() (file.Digest, error) {
		if path == "" {
			exe, err := os.Executable()
			if err != nil {
				return file.Digest{}, fmt.Errorf("failed to locate executable: %w", err)
			}
			path = exe
		}
		return file.NewFileService(afero.NewOsFs()).Digest(path)
	}
}

// LastError returns the most recent backend failure verbatim.
func (b *FirmwareBackend) LastError() string {
	return b.lastErr
}

func (b *FirmwareBackend) fail(err error) error {
	b.lastErr = err.Error()
	return err
}

// Prepare rejects images the slot cannot hold.
func (b *FirmwareBackend) Prepare(_ string, size int64) error {
	b.lastErr = ""
	if size <= 0 {
		return b.fail(fmt.Errorf("invalid image size %d", size))
	}
	if size > b.maxSize {
		return b.fail(fmt.Errorf("%w: %d > %d", ErrImageTooLarge, size, b.maxSize))
	}
	return nil
}

// Current digests the staged image, falling back to the running one.
func (b *FirmwareBackend) Current(_ string) (file.Digest, error) {
	if d, err := b.slot.Digest(FirmwareImage); err == nil {
		return d, nil
	}
	if b.running == nil {
		return file.Digest{}, errors.New("running image unavailable")
	}
	return b.running()
}

func (b *FirmwareBackend) Create() (Sink, error) {
	w, err := b.slot.CreateWriter(FirmwarePart)
	if err != nil {
		return nil, b.fail(err)
	}
	return w, nil
}

func (b *FirmwareBackend) Staged() (file.Digest, error) {
	d, err := b.slot.Digest(FirmwarePart)
	if err != nil {
		return file.Digest{}, b.fail(err)
	}
	return d, nil
}

// Promote moves the verified part into the image slot and records it.
func (b *FirmwareBackend) Promote(_ string) error {
	d, err := b.slot.Digest(FirmwarePart)
	if err != nil {
		return b.fail(err)
	}
	if err := b.slot.Replace(FirmwarePart, FirmwareImage); err != nil {
		return b.fail(err)
	}
	record := BootRecord{MD5: d.MD5, Size: d.Size, StagedAt: b.now().UTC()}
	if err := b.writeRecord(record); err != nil {
		// An image without its record would answer UpToDate for something
		// nothing applies, so the slot is emptied instead.
		return b.fail(errors.Join(err,
			b.slot.Remove(FirmwareImage),
			b.slot.Remove(FirmwareRecord)))
	}
	return nil
}

// writeRecord writes the boot record to a temporary file, syncs it and
// renames it into place so readers never see a partial record.
func (b *FirmwareBackend) writeRecord(record BootRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling boot record: %w", err)
	}
	data = append(data, '\n')

	temporary := FirmwareRecord + ".tmp"
	w, err := b.slot.CreateWriter(temporary)
	if err != nil {
		return fmt.Errorf("creating boot record: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		b.slot.Remove(temporary)
		return fmt.Errorf("writing boot record: %w", err)
	}
	if err := w.Sync(); err != nil {
		w.Close()
		b.slot.Remove(temporary)
		return fmt.Errorf("syncing boot record: %w", err)
	}
	if err := w.Close(); err != nil {
		b.slot.Remove(temporary)
		return fmt.Errorf("closing boot record: %w", err)
	}
	return b.slot.Replace(temporary, FirmwareRecord)
}

func (b *FirmwareBackend) Discard() error {
	return b.slot.Remove(FirmwarePart)
}

// ReadBootRecord returns the record of the staged image, if any.
func ReadBootRecord(slot file.FileService) (BootRecord, error) {
	r, err := slot.OpenReader(FirmwareRecord)
	if err != nil {
		return BootRecord{}, err
	}
	defer r.Close()

	var record BootRecord
	if err := json.NewDecoder(r).Decode(&record); err != nil {
		return BootRecord{}, fmt.Errorf("decoding boot record: %w", err)
	}
	return record, nil
}
