package cmd

import (
	"github.com/bnema/wayprotect/internal/ui"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Interactive view of the protection state",
	Long: `Open an interactive view that shows the protection level reported by the
server and lets you request or disable protection. The view becomes the
active client as soon as it sends a request.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext()
		client, target, err := connect(ctx)
		cancel()
		if err != nil {
			return err
		}
		defer client.Close()

		return ui.RunWatch(client, target)
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
