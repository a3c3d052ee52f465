package types

// FileMetadata describes the content offered to a device
type FileMetadata struct {
	Name     string `json:"name"`     // Remote name, or the firmware marker
	Size     int64  `json:"size"`     // File size in bytes
	Checksum string `json:"checksum"` // Lower-case hex MD5
	Firmware bool   `json:"firmware"` // Whether the content is a firmware image
}

// ProgressUpdate represents the device's acknowledged write position
type ProgressUpdate struct {
	Position int64         // Bytes acknowledged by the device so far
	Attempt  int           // Transfer attempt, starting at 1
	MetaData *FileMetadata // Only set on the first update of an attempt
}
