package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot assembles the command tree.
func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	root := createRootCommand(global)

	root.AddCommand(
		createServeCommand(global),
		createWorkerCommand(),
		createStatusCommand(global),
		createStopCommand(global),
		createSendCommand(global),
		createMessagesCommand(global),
		createKindsCommand(),
		createSchedulesCommand(global),
		createLoginCommand(global),
		createHashPasswordCommand(),
		createTemplateCommand(),
	)
	return root
}

func createRootCommand(global *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:           "svcplane",
		Short:         "Service orchestration control plane",
		Long:          "svcplane runs worker units under a manager that tracks their lifecycle over an envelope protocol.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&global.ConfigPath, "config", "", "path to config.toml")
	root.PersistentFlags().StringVar(&global.APIUrl, "api-url", "", "daemon API base URL (default http://127.0.0.1:8080/api)")
	root.PersistentFlags().DurationVar(&global.APITimeout, "api-timeout", 0, "daemon API request timeout")
	root.PersistentFlags().StringVar(&global.APIToken, "api-token", "", "bearer token for the daemon API (env SVCPLANE_API_TOKEN)")
	root.PersistentFlags().StringVar(&global.APIUser, "api-user", "", "username for basic auth against the daemon API")
	root.PersistentFlags().StringVar(&global.APIPassword, "api-password", "", "password for basic auth against the daemon API")
	root.PersistentFlags().StringVar(&global.APICA, "api-ca", "", "CA certificate to trust for an https daemon API")
	root.PersistentFlags().BoolVar(&global.APIInsecure, "api-insecure", false, "skip TLS verification of the daemon API")
	return root
}
