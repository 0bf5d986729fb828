package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/netstack/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a netstack configuration file without starting the daemon.

The file must be YAML with a top-level "netstack:" key. Defaults are applied
and every section is checked the way the daemon checks it on start.

Examples:
  netstack validate -f /etc/netstack/config.yml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := validateConfigFile
		if path == "" {
			path = configFile
		}
		return runValidate(cmd.OutOrStdout(), path)
	},
}

var validateConfigFile string

func init() {
	validateCmd.Flags().StringVarP(&validateConfigFile, "file", "f", "",
		"configuration file to validate (default: --config)")
}

func runValidate(out io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file %s: %w", path, err)
	}

	// Syntax first, so errors carry line numbers.
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	if !hasRootKey(&doc, "netstack") {
		return fmt.Errorf("INVALID: missing top-level \"netstack:\" key")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}

	fmt.Fprintf(out, "VALID: %d interface(s), %d route(s), %d ingress worker(s)\n",
		len(cfg.Interfaces), len(cfg.Routes), cfg.Stack.IngressWorkers)
	return nil
}

func hasRootKey(doc *yaml.Node, key string) bool {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return false
	}
	m := doc.Content[0]
	if m.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return true
		}
	}
	return false
}
