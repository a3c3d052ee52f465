package cmd

import (
	"errors"
	"os"

	"netsync/internal/app"
	"netsync/internal/config"
	"netsync/internal/ui"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type AgentFlags struct {
	Root      string
	AllowSync bool
}

var agentFlags AgentFlags

// agentCmd represents the agent command
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the device side and accept files and firmware",
	Long: `Run the device side of netsync. This will:

1. Connect to the broker (or offer a WebRTC session and print its code)
2. Announce the device and subscribe to its net/* topics
3. Accept verified files under the storage root and firmware images into
   the firmware slot, when remote sync is allowed
4. Exit with agent.restart_exit_code when a restart is required

Use --allow-sync to accept pushes and --root to choose the storage root.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runAgentApp(); err != nil {
			if errors.Is(err, app.ErrRestartRequired) {
				logger.Warn("exiting for restart", "reason", err, "exit_code", cfg.Agent.RestartExitCode)
				os.Exit(cfg.Agent.RestartExitCode)
			}
			logger.Error("agent failed", "error", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)

	// Define flags with struct binding
	agentCmd.Flags().StringVarP(&agentFlags.Root, "root", "r", config.NewDefaultConfig().Storage.Root, "Directory pushed files are stored under")
	agentCmd.Flags().BoolVar(&agentFlags.AllowSync, "allow-sync", false, "Accept remote sync requests")

	// Bind flags to viper for environment variable support
	viper.BindPFlag("storage.root", agentCmd.Flags().Lookup("root"))
	viper.BindPFlag("sync.enabled", agentCmd.Flags().Lookup("allow-sync"))
}

// runAgentApp creates and runs the agent application
func runAgentApp() error {
	ctx := createContext()
	agentApp := app.NewAgentApp(cfg, logger, app.WithCodeDisplay(ui.NewConsoleUI(nil, nil)))
	return agentApp.Run(ctx)
}
