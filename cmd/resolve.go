package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/tile-proxy/config"
)

func newResolveCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <url>",
		Short: "Print the storage URL a tile request maps to",
		Example: "  tile-proxy resolve https://234-10.coveragetiles.com/latest/8/127/84.png\n" +
			"  tile-proxy resolve -c config.yaml https://234-15.coveragetiles.com/2023-07-04/0/0/0.png",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}

			target, err := buildResolver(cfg).Lookup(args[0])
			if err != nil {
				return fmt.Errorf("resolve %s: %w", args[0], err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "network: %s (%s)\n", target.Identity.Network, target.Identity.Identifier)
			fmt.Fprintf(out, "region:  %s\n", target.Identity.Region)
			fmt.Fprintf(out, "storage: %s\n", target.URL)

			return nil
		},
	}
}
