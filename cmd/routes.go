package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Show the route table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRoutes(cmd.Context(), GetClient(), cmd.OutOrStdout())
	},
}

var ifconfigCmd = &cobra.Command{
	Use:   "ifconfig",
	Short: "Show interfaces, addresses and counters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIfconfig(cmd.Context(), GetClient(), cmd.OutOrStdout())
	},
}

func runRoutes(ctx context.Context, client ClientInterface, out io.Writer) error {
	res, err := client.Routes(ctx)
	if err != nil {
		return fmt.Errorf("failed to query routes: %w", err)
	}
	return render(out, outputFormat, res)
}

func runIfconfig(ctx context.Context, client ClientInterface, out io.Writer) error {
	res, err := client.Interfaces(ctx)
	if err != nil {
		return fmt.Errorf("failed to query interfaces: %w", err)
	}
	return render(out, outputFormat, res)
}
