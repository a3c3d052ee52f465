package protocol

import (
	"strconv"
	"strings"
)

// FirmwareName is the reserved transfer name that selects the firmware image.
const FirmwareName = "*firmware*"

// Descriptor is the metadata of the next transfer, filled field by field.
type Descriptor struct {
	Name     string
	Checksum string
	Size     int64 // -1 when unset
}

func newDescriptor() Descriptor {
	return Descriptor{Size: -1}
}

// Ready reports whether all three fields are set.
func (d Descriptor) Ready() bool {
	return d.Name != "" && d.Checksum != "" && d.Size >= 0
}

func (d *Descriptor) Clear() {
	*d = newDescriptor()
}

// parseSize accepts a non-negative decimal integer. Anything else leaves
// the size unset.
func parseSize(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// TargetKind tells which writer a transfer goes to.
type TargetKind int

const (
	FileTarget TargetKind = iota
	FirmwareTarget
)

func (k TargetKind) String() string {
	if k == FirmwareTarget {
		return "firmware"
	}
	return "file"
}

// Target is a resolved transfer destination. Path is only meaningful for
// file targets.
type Target struct {
	Kind TargetKind
	Path string
}

// ResolveTarget maps a transfer name to its destination.
func ResolveTarget(name string) Target {
	if name == FirmwareName {
		return Target{Kind: FirmwareTarget}
	}
	return Target{Kind: FileTarget, Path: name}
}
