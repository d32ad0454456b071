package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/svcplane/internal/auth"
)

func createHashPasswordCommand() *cobra.Command {
	flags := &HashPasswordFlags{}
	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for a [[server.auth.users]] entry",
		Long: `Print a bcrypt hash for the password_hash field of a user. The password is
read from the first line of stdin when no argument is given.

Example:
  echo -n 's3cret' | svcplane hash-password`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return errors.New("no password given")
				}
				password = strings.TrimRight(line, "\r\n")
			}
			hash, err := auth.HashPassword(password, flags.Cost)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().IntVar(&flags.Cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

func createLoginCommand(global *GlobalFlags) *cobra.Command {
	flags := &LoginFlags{}
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain an API token from a daemon with auth enabled",
		Long: `Exchange a username and password for a bearer token and print it.

Example:
  export SVCPLANE_API_TOKEN=$(svcplane login --username admin --password s3cret)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if flags.Username == "" {
				return errors.New("--username is required")
			}
			c, err := newAPIClient(global)
			if err != nil {
				return err
			}
			tok, err := c.Login(cmd.Context(), flags.Username, flags.Password)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok.Value)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.Username, "username", "", "user name")
	cmd.Flags().StringVar(&flags.Password, "password", "", "password")
	return cmd
}
