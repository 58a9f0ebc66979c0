package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/bnema/wayprotect/internal/config"
	"github.com/bnema/wayprotect/internal/logger"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	gossh "golang.org/x/crypto/ssh"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage wayprotect configuration",
	Long:  `Manage wayprotect configuration including the backend, timing and SSH access.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

		fmt.Fprintf(w, "Config file:\t%s\n\n", config.GetConfigPath())

		fmt.Fprintln(w, "[server]")
		fmt.Fprintf(w, "  socket_path\t%s\n", cfg.Server.SocketPath)
		fmt.Fprintf(w, "  ssh_enabled\t%v\n", cfg.Server.SSHEnabled)
		fmt.Fprintf(w, "  ssh_listen\t%s:%d\n", cfg.Server.SSHBindAddress, cfg.Server.SSHPort)
		fmt.Fprintf(w, "  ssh_host_key_path\t%s\n", cfg.Server.SSHHostKeyPath)
		fmt.Fprintf(w, "  ssh_authorized_keys_path\t%s\n", cfg.Server.SSHAuthKeysPath)
		fmt.Fprintf(w, "  ssh_whitelist_only\t%v\n", cfg.Server.SSHWhitelistOnly)
		fmt.Fprintf(w, "  ssh_whitelist\t%d key(s)\n", len(cfg.Server.SSHWhitelist))

		fmt.Fprintln(w, "\n[client]")
		fmt.Fprintf(w, "  socket_path\t%s\n", cfg.Client.SocketPath)
		fmt.Fprintf(w, "  remote_address\t%s\n", orNone(cfg.Client.RemoteAddress))
		fmt.Fprintf(w, "  request_timeout\t%ds\n", cfg.Client.RequestTimeout)

		fmt.Fprintln(w, "\n[backend]")
		fmt.Fprintf(w, "  kind\t%s\n", cfg.Backend.Kind)
		fmt.Fprintf(w, "  set_command\t%s\n", orNone(cfg.Backend.SetCommand))
		fmt.Fprintf(w, "  get_command\t%s\n", orNone(cfg.Backend.GetCommand))
		fmt.Fprintf(w, "  command_timeout\t%ds\n", cfg.Backend.CommandTimeout)

		n := cfg.Negotiation
		fmt.Fprintln(w, "\n[negotiation]")
		fmt.Fprintf(w, "  observe_interval_ms\t%d\n", n.ObserveIntervalMs)
		fmt.Fprintf(w, "  settle_wait_ms\t%d\n", n.SettleWaitMs)
		fmt.Fprintf(w, "  max_retries\t%d\n", n.MaxRetries)
		fmt.Fprintf(w, "  retry_window_factor\t%d\n", n.RetryWindowFactor)
		fmt.Fprintf(w, "  initial_retry_delay_ms\t%d\n", n.InitialRetryDelayMs)
		fmt.Fprintf(w, "  retry_interval_ms\t%d\n", n.RetryIntervalMs)
		fmt.Fprintf(w, "  busy_retry_delay_ms\t%d\n", n.BusyRetryDelayMs)
		fmt.Fprintf(w, "  busy_retries\t%d\n", n.BusyRetries)

		fmt.Fprintln(w, "\n[logging]")
		fmt.Fprintf(w, "  log_level\t%s\n", orNone(cfg.Logging.LogLevel))

		return w.Flush()
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(config.GetConfigPath())
	},
}

var configSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Save current configuration to file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Save(); err != nil {
			return err
		}
		logger.Infof("Configuration saved to: %s", config.GetConfigPath())
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file with defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.GetConfigPath()
		if _, err := os.Stat(configPath); err == nil {
			force, _ := cmd.Flags().GetBool("force")
			if !force {
				logger.Infof("Configuration file already exists at: %s", configPath)
				logger.Info("Use --force to overwrite")
				return nil
			}
		}

		interactive, _ := cmd.Flags().GetBool("interactive")
		if interactive {
			if err := runConfigForm(); err != nil {
				return err
			}
		} else if err := config.Save(); err != nil {
			return err
		}

		logger.Infof("Configuration initialized at: %s", configPath)
		logger.Info("You can now:")
		logger.Info("  - Edit the configuration file directly")
		logger.Info("  - Use 'wayprotect config ssh add' to allow remote clients")
		logger.Info("  - Use 'wayprotect config show' to view current settings")

		return nil
	},
}

// runConfigForm asks for the backend and SSH settings and saves them
func runConfigForm() error {
	cfg := config.Get()
	backendCfg := cfg.Backend
	serverCfg := cfg.Server

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Protection backend").
				Description("How the daemon talks to the display").
				Options(
					huh.NewOption("Auto detect", "auto"),
					huh.NewOption("External commands", "exec"),
					huh.NewOption("Simulated (testing)", "simulated"),
				).
				Value(&backendCfg.Kind),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Set command").
				Description("Run with the HDCP type appended (0 off, 1 type 0, 2 type 1)").
				Value(&backendCfg.SetCommand).
				Validate(requireValue),
			huh.NewInput().
				Title("Get command").
				Description("Prints the current level: off, type0, type1 or a DRM value").
				Value(&backendCfg.GetCommand).
				Validate(requireValue),
		).WithHideFunc(func() bool { return backendCfg.Kind != "exec" }),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Accept requests over SSH?").
				Description(fmt.Sprintf("Listens on %s:%d", serverCfg.SSHBindAddress, serverCfg.SSHPort)).
				Value(&serverCfg.SSHEnabled),
		),
	)

	if err := form.Run(); err != nil {
		return err
	}

	if err := config.UpdateBackend(backendCfg); err != nil {
		return err
	}
	return config.UpdateServer(serverCfg)
}

func requireValue(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("required")
	}
	return nil
}

var configSSHCmd = &cobra.Command{
	Use:   "ssh",
	Short: "Manage SSH whitelist",
}

var configSSHListCmd = &cobra.Command{
	Use:   "list",
	Short: "List whitelisted SSH keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()

		if len(cfg.Server.SSHWhitelist) == 0 {
			logger.Info("No SSH keys in whitelist")
		} else {
			logger.Info("Whitelisted SSH Keys:")
			for i, fp := range cfg.Server.SSHWhitelist {
				logger.Infof("%d. %s", i+1, fp)
			}
		}

		if cfg.Server.SSHWhitelistOnly {
			logger.Info("Whitelist-only mode is ENABLED")
		} else {
			logger.Info("Whitelist-only mode is DISABLED, all SSH keys are accepted")
		}

		return nil
	},
}

var configSSHAddCmd = &cobra.Command{
	Use:   "add <public-key-file|fingerprint>",
	Short: "Add SSH key to whitelist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fingerprint, err := resolveFingerprint(args[0])
		if err != nil {
			return err
		}

		if config.IsSSHKeyWhitelisted(fingerprint) {
			logger.Infof("SSH key already whitelisted: %s", fingerprint)
			return nil
		}
		if err := config.AddSSHKeyToWhitelist(fingerprint); err != nil {
			return err
		}

		logger.Infof("Added SSH key to whitelist: %s", fingerprint)
		return nil
	},
}

var configSSHRemoveCmd = &cobra.Command{
	Use:   "remove <fingerprint>",
	Short: "Remove SSH key from whitelist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fingerprint := args[0]

		if err := config.RemoveSSHKeyFromWhitelist(fingerprint); err != nil {
			return err
		}

		logger.Infof("Removed SSH key from whitelist: %s", fingerprint)
		return nil
	},
}

var configSSHClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear all SSH keys from whitelist",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()
		count := len(cfg.Server.SSHWhitelist)

		if count == 0 {
			logger.Info("Whitelist is already empty")
			return nil
		}

		serverCfg := cfg.Server
		serverCfg.SSHWhitelist = []string{}
		if err := config.UpdateServer(serverCfg); err != nil {
			return err
		}

		logger.Infof("Cleared %d SSH key(s) from whitelist", count)
		return nil
	},
}

// resolveFingerprint accepts a SHA256 fingerprint or a public key file
func resolveFingerprint(arg string) (string, error) {
	if strings.HasPrefix(arg, "SHA256:") {
		return arg, nil
	}

	data, err := os.ReadFile(arg)
	if err != nil {
		return "", fmt.Errorf("failed to read public key: %w", err)
	}
	pub, _, _, _, err := gossh.ParseAuthorizedKey(data)
	if err != nil {
		return "", fmt.Errorf("failed to parse public key %s: %w", arg, err)
	}
	return gossh.FingerprintSHA256(pub), nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configSaveCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configSSHCmd)

	configSSHCmd.AddCommand(configSSHListCmd)
	configSSHCmd.AddCommand(configSSHAddCmd)
	configSSHCmd.AddCommand(configSSHRemoveCmd)
	configSSHCmd.AddCommand(configSSHClearCmd)

	configInitCmd.Flags().Bool("force", false, "Force overwrite existing configuration")
	configInitCmd.Flags().BoolP("interactive", "i", false, "Choose the backend and SSH settings interactively")

	rootCmd.AddCommand(configCmd)
}
