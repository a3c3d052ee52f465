package reporter

import (
	"log/slog"

	"netsync/pkg/types"
)

// ProgressReporter logs push progress instead of drawing a bar, for runs
// without a terminal.
type ProgressReporter struct {
	logger   *slog.Logger
	meta     *types.FileMetadata
	reported int64 // last logged decile
}

// NewProgressReporter creates a reporter logging through logger
func NewProgressReporter(logger *slog.Logger) *ProgressReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressReporter{logger: logger.With("component", "progress")}
}

// UpdateProgress logs the start of each attempt and every further 10%.
func (pr *ProgressReporter) UpdateProgress(update types.ProgressUpdate) {
	if update.MetaData != nil {
		pr.meta = update.MetaData
		pr.reported = 0
		pr.logger.Info("starting transfer", "name", pr.meta.Name, "size", pr.meta.Size,
			"md5", pr.meta.Checksum, "attempt", update.Attempt)
		return
	}
	if pr.meta == nil || pr.meta.Size <= 0 {
		return
	}

	decile := update.Position * 10 / pr.meta.Size
	if decile <= pr.reported {
		return
	}
	pr.reported = decile
	pr.logger.Info("transfer progress", "name", pr.meta.Name, "position", update.Position,
		"size", pr.meta.Size, "percent", decile*10)
}

// CompleteProgress logs the result
func (pr *ProgressReporter) CompleteProgress(result types.PushResult) {
	pr.logger.Info("transfer complete", "name", result.Name, "size", result.Size,
		"md5", result.Checksum, "skipped", result.Skipped, "attempts", result.Attempts,
		"elapsed", result.Elapsed)
	pr.meta = nil
}
