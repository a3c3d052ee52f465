package app

import (
	"context"

	"netsync/pkg/types"
)

// Progress receives push progress. ui.ProgressUI and
// reporter.ProgressReporter satisfy it.
type Progress interface {
	UpdateProgress(update types.ProgressUpdate)
	CompleteProgress(result types.PushResult)
}

// CodePrompter asks the user for the session code shown by the agent
type CodePrompter interface {
	InputCode(ctx context.Context) (string, error)
}

// CodeDisplay shows the session code of an offering agent
type CodeDisplay interface {
	ShowCode(code string)
}
