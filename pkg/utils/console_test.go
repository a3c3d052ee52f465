package utils

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestAskForCodeRetriesUntilValid(t *testing.T) {
	var out bytes.Buffer
	code, err := AskForCode(context.Background(), strings.NewReader("nope\n  Ab3dEf9h \n"), &out)
	if err != nil {
		t.Fatalf("AskForCode() error = %v", err)
	}
	if code != "Ab3dEf9h" {
		t.Errorf("code = %q", code)
	}
	if !strings.Contains(out.String(), "Invalid code") {
		t.Errorf("expected a retry prompt, got %q", out.String())
	}
}

func TestAskForCodeEOF(t *testing.T) {
	_, err := AskForCode(context.Background(), strings.NewReader("bad\n"), io.Discard)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("AskForCode() error = %v, want ErrUnexpectedEOF", err)
	}
}

func TestAskForCodeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, w := io.Pipe()
	defer w.Close()
	if _, err := AskForCode(ctx, r, io.Discard); !errors.Is(err, context.Canceled) {
		t.Errorf("AskForCode() error = %v, want context.Canceled", err)
	}
}
