package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-gateway-go/pkg/config"
)

func newConfigCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and change gateway settings",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get [key]",
			Short: "Print one setting, or all of them",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				keys := config.Keys()
				if len(args) == 1 {
					keys = args
				}
				for _, key := range keys {
					v, err := config.Get(g.configPath, key)
					if err != nil {
						return err
					}
					if len(args) == 1 {
						fmt.Fprintln(cmd.OutOrStdout(), v)
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", key, v)
					}
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Change one setting",
			Long: `Writes one setting to the config file after validating it. A running
"serve" picks the change up: disabling the gateway stops it, a new port
applies on the next start.`,
			Args: cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := config.Set(g.configPath, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
				return nil
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the config file location",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), g.configPath)
			},
		},
	)
	return cmd
}
