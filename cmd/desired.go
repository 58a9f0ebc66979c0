package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/bnema/wayprotect/internal/config"
	"github.com/bnema/wayprotect/internal/ipc"
	"github.com/bnema/wayprotect/internal/protection"
	"github.com/bnema/wayprotect/internal/ui"
	"github.com/spf13/cobra"
)

var (
	desiredWait    bool
	desiredTimeout time.Duration
)

var desiredCmd = &cobra.Command{
	Use:   "desired <type0|type1>",
	Short: "Request content protection",
	Long: `Request HDCP content protection of the given type on the outputs.

The request is acknowledged immediately; the server then negotiates in the
background. With --wait the command stays connected until the server reports
the outcome, since status events only go to the client that made the last request.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"type0", "type1"},
	RunE:      runDesired,
}

func init() {
	desiredCmd.Flags().BoolVarP(&desiredWait, "wait", "w", false, "Wait for the negotiation outcome")
	desiredCmd.Flags().DurationVar(&desiredTimeout, "timeout", 0, "How long --wait waits for an outcome (default: the full retry window)")
	rootCmd.AddCommand(desiredCmd)
}

func runDesired(cmd *cobra.Command, args []string) error {
	t, err := protection.ParseContentType(args[0])
	if err != nil {
		return err
	}
	if !t.Protected() {
		return fmt.Errorf("%w: use 'wayprotect disable' to turn protection off", protection.ErrInvalidType)
	}

	ctx, cancel := requestContext()
	defer cancel()

	client, target, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Desired(ctx, t); err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	fmt.Println(ui.FormatResult(true, fmt.Sprintf("Requested %s protection from %s", t, target)))

	if !desiredWait {
		return nil
	}

	// A repeated request for the active type is acknowledged without an event
	snap, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get server status: %w", err)
	}
	if snap.Status == protection.StatusEnabled && snap.RequestedType == t {
		fmt.Println(ui.FormatResult(true, "Protection enabled: "+ui.FormatProtection(t)))
		return nil
	}

	timeout := desiredTimeout
	if timeout <= 0 {
		timeout = negotiationWindow(config.Get().Negotiation)
	}
	fmt.Println(ui.FormatInfo(fmt.Sprintf("Waiting up to %s for the outcome", timeout)))

	waitCtx, waitCancel := context.WithTimeout(context.Background(), timeout)
	defer waitCancel()

	got, err := waitForOutcome(waitCtx, client)
	if err != nil {
		return err
	}
	if got != t {
		fmt.Println(ui.FormatResult(false, "Protection failed: "+ui.FormatProtection(got)))
		return fmt.Errorf("content protection not enabled")
	}
	fmt.Println(ui.FormatResult(true, "Protection enabled: "+ui.FormatProtection(got)))
	return nil
}

// negotiationWindow is the longest a negotiation can take before retries are
// exhausted: the initial delay, then one patience window plus the re-request
// tick for the first request and each retry, plus busy waits and some slack.
func negotiationWindow(n config.NegotiationConfig) time.Duration {
	ticks := (n.MaxRetries + 1) * (n.MaxRetries*n.RetryWindowFactor + 1)
	window := config.Millis(n.InitialRetryDelayMs) +
		time.Duration(ticks)*config.Millis(n.RetryIntervalMs) +
		time.Duration((n.MaxRetries+1)*n.BusyRetries)*config.Millis(n.BusyRetryDelayMs)
	return window + 5*time.Second
}

// waitForOutcome returns the next status event from the server
func waitForOutcome(ctx context.Context, client *ipc.Client) (protection.ContentType, error) {
	select {
	case t, ok := <-client.Events():
		if !ok {
			return protection.Unprotected, fmt.Errorf("connection closed: %w", client.Err())
		}
		return t, nil
	case <-ctx.Done():
		return protection.Unprotected, fmt.Errorf("no outcome before timeout, the server is still negotiating")
	}
}
