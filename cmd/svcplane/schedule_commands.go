package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/svcplane/pkg/client"
)

func createSchedulesCommand(global *GlobalFlags) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "List the cron schedules of a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newAPIClient(global)
			if err != nil {
				return err
			}
			list, err := c.Schedules(cmd.Context())
			if err != nil {
				return err
			}
			if flags.JSON {
				return printJSON(cmd.OutOrStdout(), list)
			}
			return printSchedules(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON instead of a table")
	cmd.AddCommand(&cobra.Command{
		Use:   "run <name>",
		Short: "Run a schedule now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(global)
			if err != nil {
				return err
			}
			if err := c.TriggerSchedule(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "schedule %s triggered\n", args[0])
			return nil
		},
	})
	return cmd
}

func printSchedules(w io.Writer, list []client.Schedule) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSCHEDULE\tUNIT\tACTION\tRUNS\tFAILURES\tNEXT")
	for _, s := range list {
		next := "-"
		switch {
		case s.Suspend:
			next = "suspended"
		case s.NextRun != nil:
			next = s.NextRun.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			s.Name, s.Schedule, s.Unit, s.Action, s.Runs, s.Failures, next)
	}
	return tw.Flush()
}
