package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	mcpgateway "github.com/vikashloomba/mcp-gateway-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-gateway-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-gateway-go/pkg/store"
)

func newProbeCmd(g *globals) *cobra.Command {
	var (
		command string
		argv    []string
		env     map[string]string
		logRPC  bool
	)
	cmd := &cobra.Command{
		Use:   "probe [name]",
		Short: "Spawn one stdio server and print the tools it offers",
		Long: `Starts a stdio MCP server outside the gateway, performs the handshake and
lists its tools. Pass the name of a registered server, or --command/--arg to
try a server before registering it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var rec mcpgateway.BackendRecord
			switch {
			case len(args) == 1:
				st, err := g.openStore(ctx, cfg)
				if err != nil {
					return err
				}
				srv, err := st.ServerByName(ctx, args[0])
				_ = st.Close()
				if err != nil {
					return err
				}
				rec = srv.Record()
			case command != "":
				rec = store.Server{Name: "probe", Transport: string(mcpgateway.TransportStdio), Command: command, Args: argv, Env: env}.Record()
			default:
				return errors.New("pass a server name or --command")
			}

			logger := newLogger(cmd.ErrOrStderr(), cfg)
			launcher := mcpmgr.NewLauncher(&mcpmgr.Options{
				ClientName:     cfg.ClientLabel,
				DefaultTimeout: cfg.ConnectTimeout,
				LogJSONRPC:     logRPC,
				Logger:         logger,
			})
			manager := mcpgateway.NewBackendManager(nil, launcher, &mcpgateway.Options{
				Logger:         logger,
				ConnectTimeout: cfg.ConnectTimeout,
			})
			session, info, tools, err := manager.ConnectStdioBackend(ctx, rec)
			if err != nil {
				return fmt.Errorf("probe %s: %w", rec.Name, err)
			}
			closeCtx, cancel := shutdownContext(cfg)
			defer cancel()
			defer session.Close(closeCtx)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s: %d tools\n", info.Name, info.Version, len(tools))
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, t := range tools {
				fmt.Fprintf(tw, "  %s\t%s\n", t.Name, t.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&command, "command", "", "executable to launch")
	cmd.Flags().StringArrayVar(&argv, "arg", nil, "argument passed to the command; repeatable")
	cmd.Flags().StringToStringVar(&env, "env", nil, "KEY=VALUE layered over the environment; repeatable")
	cmd.Flags().BoolVar(&logRPC, "log-rpc", false, "log JSON-RPC traffic at debug level")
	return cmd
}
