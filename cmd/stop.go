package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/netstack/internal/daemon"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the netstack daemon",
	Long: `Stop the netstack daemon gracefully.

This command sends daemon_shutdown over the Unix Domain Socket. If the socket
does not answer and --pidfile is given, SIGTERM is sent to the recorded pid.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), GetClient(), cmd.OutOrStdout(), stopPIDFile)
	},
}

var stopPIDFile string

func init() {
	stopCmd.Flags().StringVarP(&stopPIDFile, "pidfile", "p", "", "PID file used when the socket does not answer")
}

func runStop(ctx context.Context, client ClientInterface, out io.Writer, pidFile string) error {
	err := client.Shutdown(ctx)
	if err == nil {
		fmt.Fprintln(out, "✓ Shutdown requested")
		return nil
	}
	if pidFile == "" {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	if perr := daemon.StopByPID(pidFile, 10*time.Second); perr != nil {
		return fmt.Errorf("failed to stop daemon: %w (signal fallback: %v)", err, perr)
	}
	fmt.Fprintln(out, "✓ Daemon stopped by signal")
	return nil
}
