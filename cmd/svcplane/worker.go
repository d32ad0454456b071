package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/svcplane/internal/kinds"
	"github.com/loykin/svcplane/internal/launcher"
	"github.com/loykin/svcplane/internal/logger"
)

// createWorkerCommand is the entry point of process units. The manager
// re-executes this binary as "svcplane worker --name ... --addr ...".
func createWorkerCommand() *cobra.Command {
	args := &launcher.WorkerArgs{}
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a single unit connected to a manager (used by process mode)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, closer, err := logger.New(logger.Config{Level: args.LogLevel, Format: args.LogFormat}, args.Name, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return launcher.RunWorker(ctx, *args, kinds.Default(), l)
		},
	}
	args.Bind(cmd.Flags())
	return cmd
}

func createKindsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the unit kinds this binary can run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, k := range kinds.Default().Kinds() {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
}
