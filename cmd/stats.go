package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats [layer]",
	Short: "Show protocol statistics",
	Long: `Query the daemon for its statistics counters.

Layers: mbuf, ip, icmp, udp, tcp, ingress. Without a layer every group is shown.

Examples:
  netstack stats
  netstack stats tcp -o yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var layer string
		if len(args) == 1 {
			layer = args[0]
		}
		return runStats(cmd.Context(), GetClient(), cmd.OutOrStdout(), layer)
	},
}

func runStats(ctx context.Context, client ClientInterface, out io.Writer, layer string) error {
	res, err := client.Stats(ctx, layer)
	if err != nil {
		return fmt.Errorf("failed to query stats: %w", err)
	}
	return render(out, outputFormat, res)
}
