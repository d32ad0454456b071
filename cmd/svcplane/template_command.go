package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/svcplane/pkg/template"
)

func createTemplateCommand() *cobra.Command {
	flags := &TemplateFlags{}
	g := template.NewGenerator()
	cmd := &cobra.Command{
		Use:   "template <type> <name>",
		Short: "Print starter config entries for a unit",
		Long: `Print [[units]] (and for "scheduled" a [[schedules]]) entries to paste into
a config file. Types: ` + strings.Join(g.GetSupportedTypes(), ", ") + `.

Example:
  svcplane template ticker tick-1 >> config.toml`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ := template.TemplateType(args[0])
			var out []byte
			var err error
			if flags.JSON {
				out, err = g.GenerateJSON(typ, args[1])
			} else {
				out, err = g.GenerateTOML(typ, args[1])
			}
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON instead of TOML")
	return cmd
}
