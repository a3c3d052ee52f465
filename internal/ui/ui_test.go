package ui

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"netsync/pkg/types"
)

func TestProgressSummary(t *testing.T) {
	var out bytes.Buffer
	p := NewProgressUI(&out)
	meta := &types.FileMetadata{Name: "cfg.json", Size: 2048, Checksum: "abc"}

	p.UpdateProgress(types.ProgressUpdate{Attempt: 1, MetaData: meta})
	p.UpdateProgress(types.ProgressUpdate{Attempt: 1, Position: 1024})
	p.UpdateProgress(types.ProgressUpdate{Attempt: 1, Position: 2048})
	p.CompleteProgress(types.PushResult{FileMetadata: *meta, Attempts: 1, Elapsed: time.Second})

	got := out.String()
	for _, want := range []string{"Push completed successfully!", "+ Name: cfg.json", "+ Attempts: 1", "+ MD5: abc"} {
		if !strings.Contains(got, want) {
			t.Errorf("summary missing %q:\n%s", want, got)
		}
	}
}

func TestProgressSummarySkipped(t *testing.T) {
	var out bytes.Buffer
	p := NewProgressUI(&out)
	p.CompleteProgress(types.PushResult{FileMetadata: types.FileMetadata{Name: "cfg.json"}, Skipped: true, Attempts: 1})
	if !strings.Contains(out.String(), "Device already has cfg.json") {
		t.Errorf("unexpected summary:\n%s", out.String())
	}
	if strings.Contains(out.String(), "throughput") {
		t.Error("skipped push must not report throughput")
	}
}

func TestUpdateWithoutStartIsIgnored(t *testing.T) {
	p := NewProgressUI(&bytes.Buffer{})
	p.UpdateProgress(types.ProgressUpdate{Position: 10})
}

func TestConsoleCode(t *testing.T) {
	var out bytes.Buffer
	c := NewConsoleUI(strings.NewReader("AbCd1234\n"), &out)
	c.ShowCode("AbCd1234")
	if !strings.Contains(out.String(), "Session code: AbCd1234") {
		t.Errorf("code not shown:\n%s", out.String())
	}
	code, err := c.InputCode(context.Background())
	if err != nil || code != "AbCd1234" {
		t.Errorf("InputCode() = %q, %v", code, err)
	}
}
