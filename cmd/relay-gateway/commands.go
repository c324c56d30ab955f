// ABOUTME: Client subcommands that query a running gateway over its HTTP API.
// ABOUTME: status, agents, invoke, history and health, with coloured or JSON output.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/relay-gateway/internal/client"
	"github.com/2389/relay-gateway/internal/gateway"
)

// newClient builds an API client from --addr or the config's HTTP address.
func newClient(opts *rootOptions) (*client.Client, error) {
	addr := opts.addr
	if addr == "" {
		cfg, _, err := loadConfig(opts)
		if err != nil {
			return nil, err
		}
		addr = cfg.Server.HTTPAddr
	}
	return client.New(addr)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show registered agents and pending requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			status, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), status)
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON response")
	return cmd
}

func printStatus(w io.Writer, status *gateway.StatusResponse) {
	cyan := color.New(color.FgCyan)
	cyan.Fprintf(w, "%s", status.ServerID)
	fmt.Fprintf(w, "  started %s\n\n", status.StartedAt)

	fmt.Fprintf(w, "Agents registered:    %d\n", status.AgentsRegistered)
	fmt.Fprintf(w, "Awaiting register:    %d\n", status.AgentsPending)
	fmt.Fprintf(w, "Pending requests:     %d\n", status.PendingRequests)
	fmt.Fprintf(w, "Duplicate replies:    %d\n", status.DuplicateReplies)
	fmt.Fprintf(w, "Unmatched replies:    %d\n", status.UnmatchedReplies)
	fmt.Fprintf(w, "Misrouted replies:    %d\n", status.MisroutedReplies)

	if len(status.Agents) > 0 {
		fmt.Fprintln(w)
		printAgents(w, status.Agents)
	}
}

func agentsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			agents, err := c.Agents(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), agents)
			}
			if len(agents) == 0 {
				color.New(color.FgYellow).Fprintln(cmd.OutOrStdout(), "no agents connected")
				return nil
			}
			printAgents(cmd.OutOrStdout(), agents)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON response")
	return cmd
}

func printAgents(w io.Writer, agents []gateway.AgentStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTITY\tTRANSPORT\tVERSION\tREMOTE\tLAST SEEN\tSTATE")
	for _, a := range agents {
		state := color.GreenString("live")
		if a.Stale {
			state = color.YellowString("stale")
		}
		version := a.Version
		if version == "" {
			version = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.Identity, a.Transport, version, a.RemoteAddr, sinceRFC3339(a.LastSeenAt), state)
	}
	_ = tw.Flush()
}

// sinceRFC3339 renders a timestamp as an age, falling back to the raw value.
func sinceRFC3339(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return time.Since(t).Truncate(time.Second).String() + " ago"
}

func invokeCmd(opts *rootOptions) *cobra.Command {
	var (
		target         string
		params         string
		timeout        time.Duration
		idempotencyKey string
	)

	cmd := &cobra.Command{
		Use:   "invoke ACTION",
		Short: "Relay an action to an agent and print its answer",
		Example: `  relay-gateway invoke light --target A1 --params '{"red":100,"green":0,"blue":0}'
  relay-gateway invoke off --timeout 5s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if params != "" {
				if !json.Valid([]byte(params)) {
					return errors.New("--params must be valid JSON")
				}
				raw = json.RawMessage(params)
			}

			c, err := newClient(opts)
			if err != nil {
				return err
			}

			resp, err := c.Invoke(cmd.Context(), client.InvokeParams{
				Target:         target,
				Action:         args[0],
				Params:         raw,
				Timeout:        timeout,
				IdempotencyKey: idempotencyKey,
			})
			if err != nil {
				var apiErr *client.APIError
				if errors.As(err, &apiErr) && apiErr.CorrelationID != "" {
					color.New(color.FgHiBlack).Fprintf(cmd.ErrOrStderr(),
						"agent %s, correlation %s\n", apiErr.Agent, apiErr.CorrelationID)
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "agent identity (default: earliest registered agent)")
	cmd.Flags().StringVarP(&params, "params", "p", "", "action parameters as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "time to wait for the agent (default: gateway's requests.default_timeout)")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "reject a repeat of this request")
	return cmd
}

func historyCmd(opts *rootOptions) *cobra.Command {
	var (
		events bool
		agent  string
		since  time.Duration
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded request outcomes or agent events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts)
			if err != nil {
				return err
			}

			params := client.HistoryParams{Agent: agent, Limit: limit}
			if since > 0 {
				params.Since = time.Now().Add(-since)
			}

			if events {
				list, err := c.Events(cmd.Context(), params)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), list)
			}
			list, err := c.Requests(cmd.Context(), params)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "list agent lifecycle events instead of requests")
	cmd.Flags().StringVar(&agent, "agent", "", "only entries for this agent identity")
	cmd.Flags().DurationVar(&since, "since", 0, "only entries newer than this age, e.g. 1h")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum entries (gateway default 50)")
	return cmd
}

func healthCmd(opts *rootOptions) *cobra.Command {
	var ready bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			if ready {
				err = c.Ready(cmd.Context())
			} else {
				err = c.Health(cmd.Context())
			}
			if err != nil {
				return fmt.Errorf("unhealthy: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("healthy"))
			return nil
		},
	}
	cmd.Flags().BoolVar(&ready, "ready", false, "also require at least one registered agent")
	return cmd
}
