package ui

import (
	"context"
	"fmt"
	"io"
	"os"

	"netsync/pkg/utils"
)

// ConsoleUI implements console-based interaction with progress tracking
type ConsoleUI struct {
	*ProgressUI
	in  io.Reader
	out io.Writer
}

// NewConsoleUI creates a console UI reading from in and writing to out.
// Nil arguments fall back to stdin and stderr.
func NewConsoleUI(in io.Reader, out io.Writer) *ConsoleUI {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stderr
	}
	return &ConsoleUI{
		ProgressUI: NewProgressUI(out),
		in:         in,
		out:        out,
	}
}

// ShowMessage displays a message to the user
func (c *ConsoleUI) ShowMessage(message string) {
	fmt.Fprintln(c.out, message)
}

// ShowCode displays the session code the pushing side has to enter
func (c *ConsoleUI) ShowCode(code string) {
	fmt.Fprintf(c.out, "\n=============================================\n")
	fmt.Fprintf(c.out, "Session code: %s\n", code)
	fmt.Fprintf(c.out, "Run: netsync push --code %s --file <path>\n", code)
	fmt.Fprintf(c.out, "=============================================\n\n")
}

// InputCode prompts for the session code shown by the agent
func (c *ConsoleUI) InputCode(ctx context.Context) (string, error) {
	return utils.AskForCode(ctx, c.in, c.out)
}
