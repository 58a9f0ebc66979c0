package cmd

import (
	"fmt"

	"github.com/bnema/wayprotect/internal/ui"
	"github.com/spf13/cobra"
)

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Turn content protection off",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		defer cancel()

		client, target, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Disable(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Println(ui.FormatResult(true, "Disable requested from "+target))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(disableCmd)
}
