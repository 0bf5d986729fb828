package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/netstack/internal/daemon"
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the netstack daemon in foreground",
	Long: `Run the netstack daemon process in foreground.

The daemon will:
  1. Load global configuration from config file
  2. Initialize logging and metrics
  3. Build the stack: interfaces, routes, ingress workers, protocol timers
  4. Start UDS server for CLI control
  5. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDaemon(cmd); err != nil {
			exitWithError("daemon failed", err)
		}
	},
}

var pidFile string

func init() {
	daemonCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (default: control.pid_file from config)")
}

func runDaemon(cmd *cobra.Command) error {
	// An explicit --socket overrides control.socket from the file.
	sock := ""
	if cmd.Flags().Changed("socket") {
		sock = socketPath
	}

	d, err := daemon.New(configFile, sock, pidFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Run main loop (blocks until shutdown)
	return d.Run()
}
