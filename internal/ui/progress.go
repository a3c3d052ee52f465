package ui

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"netsync/internal/file"
	"netsync/pkg/types"
)

// ProgressUI renders push progress as a byte progress bar
type ProgressUI struct {
	out     io.Writer
	bar     *progressbar.ProgressBar
	attempt int
}

// NewProgressUI creates a progress UI writing to out, or stderr when out is nil
func NewProgressUI(out io.Writer) *ProgressUI {
	if out == nil {
		out = os.Stderr
	}
	return &ProgressUI{out: out}
}

func (p *ProgressUI) start(meta *types.FileMetadata, attempt int) {
	if p.bar != nil {
		_ = p.bar.Exit()
	}
	description := fmt.Sprintf("Pushing %s", meta.Name)
	if attempt > 1 {
		description = fmt.Sprintf("%s (attempt %d)", description, attempt)
	}
	p.attempt = attempt
	p.bar = progressbar.NewOptions64(meta.Size,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(false),
	)
}

// UpdateProgress moves the bar to the acknowledged position. An update
// carrying metadata starts a new bar.
func (p *ProgressUI) UpdateProgress(update types.ProgressUpdate) {
	if update.MetaData != nil {
		p.start(update.MetaData, update.Attempt)
	}
	if p.bar == nil {
		return
	}
	_ = p.bar.Set64(update.Position)
}

// CompleteProgress finishes the bar and prints a summary
func (p *ProgressUI) CompleteProgress(result types.PushResult) {
	if p.bar != nil {
		_ = p.bar.Finish()
		p.bar = nil
	}

	fmt.Fprintf(p.out, "\n=============================================\n")
	if result.Skipped {
		fmt.Fprintf(p.out, "Device already has %s, nothing sent\n", result.Name)
	} else {
		fmt.Fprintf(p.out, "Push completed successfully!\n")
	}
	fmt.Fprintf(p.out, "+ Name: %s\n", result.Name)
	fmt.Fprintf(p.out, "+ Size: %s\n", file.FormatFileSize(result.Size))
	fmt.Fprintf(p.out, "+ MD5: %s\n", result.Checksum)
	fmt.Fprintf(p.out, "+ Attempts: %d\n", result.Attempts)
	fmt.Fprintf(p.out, "+ Elapsed: %s\n", result.Elapsed.Round(time.Millisecond))
	if result.Elapsed > 0 && !result.Skipped {
		throughput := float64(result.Size) / result.Elapsed.Seconds() / (1024 * 1024)
		fmt.Fprintf(p.out, "+ Average throughput: %.2f MB/s\n", throughput)
	}
	fmt.Fprintf(p.out, "=============================================\n")
}
