package cmd

import (
	"fmt"

	"github.com/bnema/wayprotect/internal/config"
	"github.com/bnema/wayprotect/internal/logger"
	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string
	remoteAddr string

	rootCmd = &cobra.Command{
		Use:   "wayprotect",
		Short: "wayprotect - display content protection daemon",
		Long: `wayprotect negotiates HDCP content protection on the display outputs on behalf
of a client. The server keeps retrying until the link authenticates, watches for
protection being lost and reports every change to the client that asked for it.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: initConfig,
	}
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default is "+config.GetConfigPath()+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVarP(&remoteAddr, "remote", "r", "", "Reach a server over SSH at host:port instead of the local socket")
}

func initConfig(cmd *cobra.Command, args []string) error {
	if configFile != "" {
		config.SetConfigPath(configFile)
	}
	if err := config.Init(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Flag beats config, config beats LOG_LEVEL
	level := logLevel
	if level == "" {
		level = config.Get().Logging.LogLevel
	}
	if level != "" {
		logger.SetLevel(level)
	}
	return nil
}
