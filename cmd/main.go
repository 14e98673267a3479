package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:          "tile-proxy",
		Short:        "Edge proxy for network coverage map tiles",
		Version:      version,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./config/config.yaml or ./config.yaml)")
	cmd.AddCommand(newServeCmd(&configFile), newResolveCmd(&configFile))

	return cmd
}
