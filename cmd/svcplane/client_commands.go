package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	itls "github.com/loykin/svcplane/internal/tls"
	"github.com/loykin/svcplane/pkg/client"
)

func newAPIClient(global *GlobalFlags) (*client.Client, error) {
	cfg := client.Config{
		BaseURL:  global.APIUrl,
		Timeout:  global.APITimeout,
		Token:    global.APIToken,
		Username: global.APIUser,
		Password: global.APIPassword,
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("SVCPLANE_API_TOKEN")
	}
	if global.APICA != "" || global.APIInsecure || strings.HasPrefix(global.APIUrl, "https://") {
		tc, err := itls.ClientConfig(global.APICA, global.APIInsecure)
		if err != nil {
			return nil, err
		}
		cfg.TLS = tc
	}
	return client.New(cfg), nil
}

func createStatusCommand(global *GlobalFlags) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status [name]",
		Short: "Show the registry of a running daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(global)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				u, err := c.Unit(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if flags.JSON {
					return printJSON(out, u)
				}
				return printUnits(out, []client.Unit{u.Unit})
			}
			units, err := c.Units(cmd.Context())
			if err != nil {
				return err
			}
			if flags.JSON {
				return printJSON(out, units)
			}
			return printUnits(out, units)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON instead of a table")
	return cmd
}

func createStopCommand(global *GlobalFlags) *cobra.Command {
	flags := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop [name]",
		Short: "Ask a unit, or every unit with --all, to stop",
		Args: func(cmd *cobra.Command, args []string) error {
			if flags.All && len(args) > 0 {
				return fmt.Errorf("--all takes no unit name")
			}
			if !flags.All && len(args) != 1 {
				return fmt.Errorf("unit name required (or --all)")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(global)
			if err != nil {
				return err
			}
			if flags.All {
				n, err := c.StopAll(cmd.Context())
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "stop requested for %d unit(s)\n", n)
				return nil
			}
			if err := c.Stop(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "stop requested for %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&flags.All, "all", false, "stop every registered unit")
	return cmd
}

func createSendCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "send <name> <json>",
		Short: "Send an IMPLEMENTATION payload to a unit",
		Long: `Send a JSON value to a unit. The daemon encodes it as CBOR and delivers
it as an IMPLEMENTATION command.

Example:
  svcplane send echo-1 '{"hello":"world"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any
			if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
				return fmt.Errorf("payload is not valid JSON: %w", err)
			}
			c, err := newAPIClient(global)
			if err != nil {
				return err
			}
			return c.Send(cmd.Context(), args[0], payload)
		},
	}
}

func createMessagesCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "messages",
		Short: "Show recent data-plane envelopes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newAPIClient(global)
			if err != nil {
				return err
			}
			msgs, err := c.Messages(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "RECEIVED\tSENDER\tDESTINATION\tPAYLOAD")
			for _, m := range msgs {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					m.ReceivedAt.Format(time.RFC3339), m.Sender, m.Destination, m.Diagnostic)
			}
			return tw.Flush()
		},
	}
}

func printUnits(w io.Writer, units []client.Unit) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tKIND\tSTATE\tALIVE\tPID\tUPDATED")
	for _, u := range units {
		pid := "-"
		if u.PID > 0 {
			pid = fmt.Sprint(u.PID)
		}
		kind := u.Kind
		if u.AutoRegistered {
			kind = "(auto)"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
			u.Name, kind, u.State, u.Alive, pid, u.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
