package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/netstack/internal/command"
)

var netstatParams command.NetstatParams

var netstatCmd = &cobra.Command{
	Use:   "netstat",
	Short: "List TCP connections and UDP endpoints",
	Long: `List the protocol control blocks of the running stack.

TCP entries carry the connection state, queue lengths, window and timer values.

Examples:
  netstack netstat
  netstack netstat --proto tcp --state ESTABLISHED
  netstack netstat -l`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runNetstat(cmd.Context(), GetClient(), cmd.OutOrStdout(), netstatParams)
	},
}

func init() {
	netstatCmd.Flags().StringVarP(&netstatParams.Proto, "proto", "p", "", "tcp | udp")
	netstatCmd.Flags().StringVar(&netstatParams.State, "state", "", "only TCP connections in this state")
	netstatCmd.Flags().BoolVarP(&netstatParams.Listen, "listen", "l", false, "only listening TCP sockets")
}

func runNetstat(ctx context.Context, client ClientInterface, out io.Writer, params command.NetstatParams) error {
	res, err := client.Netstat(ctx, params)
	if err != nil {
		return fmt.Errorf("failed to query netstat: %w", err)
	}
	return render(out, outputFormat, res)
}
