package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	mcpgateway "github.com/vikashloomba/mcp-gateway-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-gateway-go/pkg/store"
)

func newBackendsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "backends",
		Aliases: []string{"backend"},
		Short:   "Manage the servers aggregated by the gateway",
	}
	cmd.AddCommand(
		newBackendsListCmd(g),
		newBackendsAddCmd(g),
		newBackendsRemoveCmd(g),
		newBackendsFlagCmd(g, "enable", "Enable a member so it connects on start", func(ctx context.Context, st *store.Store, id int64) error {
			return st.SetGatewayBackendEnabled(ctx, id, true)
		}),
		newBackendsFlagCmd(g, "disable", "Keep a member registered but do not connect it", func(ctx context.Context, st *store.Store, id int64) error {
			return st.SetGatewayBackendEnabled(ctx, id, false)
		}),
		newBackendsAutoRestartCmd(g),
	)
	return cmd
}

// withStore runs fn against the configured database.
func (g *globals) withStore(cmd *cobra.Command, fn func(ctx context.Context, st *store.Store) error) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	st, err := g.openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

func memberID(ctx context.Context, st *store.Store, name string) (int64, error) {
	srv, err := st.ServerByName(ctx, name)
	if err != nil {
		return 0, err
	}
	return srv.ID, nil
}

func newBackendsListCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List gateway members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStore(cmd, func(ctx context.Context, st *store.Store) error {
				members, err := st.GatewayMembers(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					data, err := json.MarshalIndent(members, "", "  ")
					if err != nil {
						return err
					}
					fmt.Fprintln(out, string(data))
					return nil
				}
				if len(members) == 0 {
					fmt.Fprintln(out, "No gateway members. Add one with: mcp-gateway backends add <name> --command <cmd>")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tTRANSPORT\tENABLED\tAUTO-RESTART\tTARGET")
				for _, m := range members {
					name := m.Name
					if m.Self {
						name += " (self)"
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%t\t%s\n", m.ID, name, m.Transport, m.Enabled, m.AutoRestart, target(m.Server))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print members as JSON")
	return cmd
}

func target(srv store.Server) string {
	if srv.URL != "" {
		return srv.URL
	}
	line := srv.Command
	for _, a := range srv.Args {
		line += " " + strconv.Quote(a)
	}
	return line
}

func newBackendsAddCmd(g *globals) *cobra.Command {
	var (
		srv         store.Server
		autoRestart bool
		disabled    bool
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a server and add it to the gateway",
		Long: `Adds the named server to the gateway. When no server of that name exists
yet, one is created from --command/--arg/--env (stdio) or --url (http, sse).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStore(cmd, func(ctx context.Context, st *store.Store) error {
				srv.Name = args[0]
				existing, err := st.ServerByName(ctx, srv.Name)
				switch {
				case err == nil:
					if srv.Command != "" || srv.URL != "" {
						return fmt.Errorf("server %q already exists; add it without launch flags", srv.Name)
					}
					srv.ID = existing.ID
				case errors.Is(err, store.ErrNotFound):
					if err := validateLaunch(srv); err != nil {
						return err
					}
					if srv.ID, err = st.CreateServer(ctx, srv); err != nil {
						return err
					}
				default:
					return err
				}
				if err := st.AddGatewayBackend(ctx, srv.ID); err != nil {
					return err
				}
				if disabled {
					if err := st.SetGatewayBackendEnabled(ctx, srv.ID, false); err != nil {
						return err
					}
				}
				if autoRestart {
					if err := st.SetGatewayBackendAutoRestart(ctx, srv.ID, true); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s (id %d)\n", srv.Name, srv.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&srv.Transport, "transport", string(mcpgateway.TransportStdio), "transport type: stdio, http or sse")
	cmd.Flags().StringVar(&srv.Command, "command", "", "executable to launch (stdio)")
	cmd.Flags().StringArrayVar(&srv.Args, "arg", nil, "argument passed to the command; repeatable")
	cmd.Flags().StringToStringVar(&srv.Env, "env", nil, "KEY=VALUE layered over the gateway environment; repeatable")
	cmd.Flags().StringVar(&srv.URL, "url", "", "endpoint URL (http, sse)")
	cmd.Flags().BoolVar(&autoRestart, "auto-restart", false, "respawn the process when it exits")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "add the member disabled")
	return cmd
}

func validateLaunch(srv store.Server) error {
	switch mcpgateway.TransportKind(srv.Transport) {
	case mcpgateway.TransportStdio:
		if srv.Command == "" {
			return errors.New("--command is required for stdio servers")
		}
	case mcpgateway.TransportHTTP, mcpgateway.TransportSSE:
		if srv.URL == "" {
			return fmt.Errorf("--url is required for %s servers", srv.Transport)
		}
	default:
		return fmt.Errorf("unknown transport %q", srv.Transport)
	}
	return nil
}

func newBackendsRemoveCmd(g *globals) *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a server from the gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStore(cmd, func(ctx context.Context, st *store.Store) error {
				id, err := memberID(ctx, st, args[0])
				if err != nil {
					return err
				}
				if purge {
					err = st.DeleteServer(ctx, id)
				} else {
					err = st.RemoveGatewayBackend(ctx, id)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also delete the server definition")
	return cmd
}

func newBackendsFlagCmd(g *globals, use, short string, apply func(context.Context, *store.Store, int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStore(cmd, func(ctx context.Context, st *store.Store) error {
				id, err := memberID(ctx, st, args[0])
				if err != nil {
					return err
				}
				if err := apply(ctx, st, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%sd %s\n", use, args[0])
				return nil
			})
		},
	}
}

func newBackendsAutoRestartCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:       "auto-restart <name> <on|off>",
		Short:     "Toggle respawning a member when its process exits",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var on bool
			switch args[1] {
			case "on", "true":
				on = true
			case "off", "false":
			default:
				return fmt.Errorf("expected on or off, got %q", args[1])
			}
			return g.withStore(cmd, func(ctx context.Context, st *store.Store) error {
				id, err := memberID(ctx, st, args[0])
				if err != nil {
					return err
				}
				if err := st.SetGatewayBackendAutoRestart(ctx, id, on); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "auto-restart %s for %s\n", args[1], args[0])
				return nil
			})
		},
	}
}
