package cmd

import (
	"fmt"

	"netsync/internal/app"
	"netsync/internal/config"
	"netsync/internal/reporter"
	"netsync/internal/ui"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type PushFlags struct {
	FilePath string
	Name     string
	Firmware bool
	Code     string
	Quiet    bool
}

var pushFlags PushFlags

// pushCmd represents the push command
var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push a file or firmware image to a device",
	Long: `Push a file or a firmware image to a device running the agent. This will:

1. Compute the md5 and size of the local file
2. Reset the device's sync session and declare name, md5 and size
3. Stream the content in chunks, starting over if the device fails to add one
4. Wait for the device to verify and commit the content

If the device already holds identical content nothing is sent.
Use --file to choose the file, --name for its name on the device and
--firmware to push a firmware image. With the webrtc transport, --code
takes the session code printed by the agent.`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return validatePushFlags(&pushFlags)
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := runPushApp(&pushFlags); err != nil {
			logger.Error("push failed", "error", err)
			cobra.CheckErr(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(pushCmd)

	// Define flags with struct binding
	pushCmd.Flags().StringVarP(&pushFlags.FilePath, "file", "f", "", "Path to file to push (required)")
	pushCmd.Flags().StringVarP(&pushFlags.Name, "name", "n", "", "Name on the device (default: base name of --file)")
	pushCmd.Flags().BoolVar(&pushFlags.Firmware, "firmware", false, "Push as firmware image")
	pushCmd.Flags().StringVarP(&pushFlags.Code, "code", "c", "", "Session code shown by the agent (webrtc transport)")
	pushCmd.Flags().BoolVarP(&pushFlags.Quiet, "quiet", "q", false, "Log progress instead of drawing a progress bar")
	pushCmd.Flags().Int("chunk-size", config.NewDefaultConfig().Push.ChunkSize, "Bytes per data message")

	// Mark required flags
	pushCmd.MarkFlagRequired("file")

	// Bind flags to viper for environment variable support
	viper.BindPFlag("push.chunk_size", pushCmd.Flags().Lookup("chunk-size"))
}

// validatePushFlags validates the push command flags
func validatePushFlags(flags *PushFlags) error {
	if flags.FilePath == "" {
		return fmt.Errorf("file path is required")
	}
	if flags.Firmware && flags.Name != "" {
		return fmt.Errorf("--name cannot be used with --firmware")
	}
	return nil
}

// runPushApp creates and runs the push application
func runPushApp(flags *PushFlags) error {
	ctx := createContext()

	console := ui.NewConsoleUI(nil, nil)
	var progress app.Progress = console
	if flags.Quiet {
		progress = reporter.NewProgressReporter(logger)
	}

	opts := &app.PushOptions{
		FilePath: flags.FilePath,
		Name:     flags.Name,
		Firmware: flags.Firmware,
		Code:     flags.Code,
	}

	pushApp := app.NewPushApp(cfg, logger, app.WithProgress(progress), app.WithCodePrompter(console))
	_, err := pushApp.Run(ctx, opts)
	return err
}
