package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bnema/wayprotect/internal/config"
	"github.com/bnema/wayprotect/internal/ipc"
	"github.com/bnema/wayprotect/internal/protection"
	"github.com/bnema/wayprotect/internal/ui"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the negotiation state of the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		client, target, err := connect(ctx)
		if err != nil {
			if errors.Is(err, ipc.ErrNotRunning) {
				fmt.Println(ui.FormatStatus(false, "wayprotect server is not running"))
				return nil
			}
			return err
		}
		defer client.Close()

		snap, err := client.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get server status: %w", err)
		}

		fmt.Println(renderStatus(target, snap))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func renderStatus(target string, snap protection.Snapshot) string {
	var output strings.Builder

	output.WriteString(ui.TitleStyle.Render("wayprotect"))
	output.WriteString(" ")
	output.WriteString(ui.FormatStatus(true, ui.SubtleStyle.Render(target)))
	output.WriteString("\n\n")

	shown := protection.Unprotected
	if snap.Status == protection.StatusEnabled {
		shown = snap.RequestedType
	}

	content := ui.FormatProtection(shown) + "\n\n" + ui.FormatSnapshot(snap)
	output.WriteString(ui.BoxStyle.Render(content))
	output.WriteString("\n")

	helpStyle := lipgloss.NewStyle().Foreground(ui.ColorSubtle)
	output.WriteString(ui.CreateSeparator(50, "─"))
	output.WriteString("\n")
	if snap.Exhausted {
		output.WriteString(ui.WarningStyle.Render("Retries exhausted, request again to restart negotiation"))
		output.WriteString("\n")
	}
	output.WriteString(helpStyle.Render("Use 'wayprotect desired <type0|type1>' to request protection"))
	output.WriteString("\n")
	output.WriteString(helpStyle.Render("Use 'wayprotect watch' to follow changes (config: " + config.GetConfigPath() + ")"))

	return output.String()
}
