// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/netstack/internal/command"
)

var (
	// Global flags
	configFile     string
	socketPath     string
	outputFormat   string
	requestTimeout time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "netstack",
	Short: "netstack - user-space BSD-style TCP/IP stack",
	Long: `netstack runs a user-space TCP/IP data plane (IPv4, ICMP, UDP, TCP)
over in-memory links and exposes its state over a local control socket.

The daemon command runs the stack; the other commands query or control a
running daemon:
  - stats, netstat, routes, ifconfig, status
  - reload, stop
  - validate (offline configuration check)`,
	Version:       command.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/netstack/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/netstack.sock",
		"daemon socket path")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", formatJSON,
		"output format: json | yaml")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 10*time.Second,
		"control request timeout")

	// Add subcommands
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(netstatCmd)
	rootCmd.AddCommand(routesCmd)
	rootCmd.AddCommand(ifconfigCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(validateCmd)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
