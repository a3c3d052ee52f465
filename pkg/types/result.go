package types

import "time"

// PushResult summarizes a finished push
type PushResult struct {
	FileMetadata
	Skipped  bool          // Device already had identical content
	Attempts int           // Attempts used, including the successful one
	Elapsed  time.Duration // Time from the first reset to the final reply
}
