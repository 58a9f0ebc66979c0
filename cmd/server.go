package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bnema/wayprotect/internal/config"
	"github.com/bnema/wayprotect/internal/logger"
	"github.com/bnema/wayprotect/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serverSocket  string
	serverBackend string
	serverSSH     bool
	serverSSHPort int
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the content protection daemon",
	Long: `Run the wayprotect daemon. It listens on a local unix socket, and optionally
over SSH, for protection requests and negotiates HDCP on the display outputs
through the configured backend.`,
	Args: cobra.NoArgs,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().StringVarP(&serverSocket, "socket", "s", "", "Unix socket path")
	serverCmd.Flags().StringVarP(&serverBackend, "backend", "b", "", "Backend kind: auto, exec, simulated")
	serverCmd.Flags().BoolVar(&serverSSH, "ssh", false, "Also accept requests over SSH")
	serverCmd.Flags().IntVarP(&serverSSHPort, "port", "p", 0, "SSH port to listen on")

	// Bind flags to viper
	_ = viper.BindPFlag("server.socket_path", serverCmd.Flags().Lookup("socket"))
	_ = viper.BindPFlag("backend.kind", serverCmd.Flags().Lookup("backend"))
	_ = viper.BindPFlag("server.ssh_enabled", serverCmd.Flags().Lookup("ssh"))
	_ = viper.BindPFlag("server.ssh_port", serverCmd.Flags().Lookup("port"))

	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	if err := ensureServerConfig(); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	cfg := config.Get()

	// Flags win over the file when given
	if serverSocket != "" {
		cfg.Server.SocketPath = serverSocket
	}
	if serverBackend != "" {
		cfg.Backend.Kind = serverBackend
	}
	if cmd.Flags().Changed("ssh") {
		cfg.Server.SSHEnabled = serverSSH
	}
	if serverSSHPort != 0 {
		cfg.Server.SSHPort = serverSSHPort
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	defer srv.Stop()

	logger.Infof("wayprotect listening on %s (backend: %s)", srv.SocketPath(), cfg.Backend.Kind)
	if addr := srv.SSHAddr(); addr != "" {
		logger.Infof("SSH remote control on %s", addr)
		logger.Infof("SSH Host Key: %s", cfg.Server.SSHHostKeyPath)
		logger.Infof("SSH Authorized Keys: %s", cfg.Server.SSHAuthKeysPath)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Infof("Received %s, shutting down", sig)
	case <-srv.Done():
		logger.Warn("Server stopped")
	}

	return nil
}

// ensureServerConfig writes the default config on first run
func ensureServerConfig() error {
	configPath := config.GetConfigPath()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		logger.Infof("No config file found. Creating default config at %s", configPath)

		if err := config.Save(); err != nil {
			// The daemon can still run on defaults
			logger.Warnf("Could not write default config: %v", err)
			return nil
		}

		logger.Info("Default configuration created successfully")
	}

	return nil
}
