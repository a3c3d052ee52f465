package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"netsync/internal/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg     *config.Config
	cfgFile string
	logger  = slog.Default()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "netsync",
	Short: "netsync - verified file and firmware sync over pub/sub",
	Long: `netsync replaces files and firmware images on a device over a lossy,
chunked publish/subscribe link. Content is verified (md5 + size) before it
replaces the previous version.

Usage:
  Run the device side:  netsync agent --prefix site/dev --root /var/lib/app
  Push a file:          netsync push --prefix site/dev --file ./app.json
  Push firmware:        netsync push --prefix site/dev --file ./image.bin --firmware

Both sides talk over an MQTT broker (found by mDNS when discovery is enabled)
or over a WebRTC data channel set up with a session code.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize viper configuration
		initConfig()

		var err error
		cfg, err = config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		logger, err = newLogger(cfg.Log)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	// Flag defaults must match the config defaults: bound flags are
	// unmarshalled even when not set.
	defaults := config.NewDefaultConfig()

	// Add global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.netsync.yaml)")
	flags.String("prefix", "", "topic prefix of the device (required)")
	flags.String("broker", defaults.MQTT.Broker, "MQTT broker URL")
	flags.String("transport", defaults.Transport.Kind, "transport: mqtt or webrtc")
	flags.Bool("discover", defaults.Discovery.Enabled, "find the broker by mDNS")
	flags.String("log-level", defaults.Log.Level, "log level: debug, info, warn, error")
	flags.String("log-format", defaults.Log.Format, "log format: text or json")

	// Bind flags to viper for config file and environment variable support
	viper.BindPFlag("mqtt.prefix", flags.Lookup("prefix"))
	viper.BindPFlag("mqtt.broker", flags.Lookup("broker"))
	viper.BindPFlag("transport.kind", flags.Lookup("transport"))
	viper.BindPFlag("discovery.enabled", flags.Lookup("discover"))
	viper.BindPFlag("log.level", flags.Lookup("log-level"))
	viper.BindPFlag("log.format", flags.Lookup("log-format"))

	// Set up viper environment variable support: NETSYNC_MQTT_PREFIX etc.
	viper.SetEnvPrefix("NETSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory
		home, err := os.UserHomeDir()
		if err != nil {
			logger.Warn("could not find home directory", "error", err)
			return
		}

		// Search config in home directory with name ".netsync" (without extension)
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".netsync")
	}

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil {
		logger.Info("using config file", "path", viper.ConfigFileUsed())
	}
}

// newLogger builds the process logger from the log section
func newLogger(c config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch c.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", c.Format)
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// createContext creates a context that cancels on interrupt signals
func createContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	return ctx
}
