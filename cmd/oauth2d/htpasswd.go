package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth2-server/owner/static"
)

func newHTPasswdCommand() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "htpasswd USERNAME",
		Short: "Print an htpasswd line for a resource owner",
		Long: `Print an htpasswd line for a resource owner.

The password is read from the first line of standard input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scanner := bufio.NewScanner(cmd.InOrStdin())
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				return fmt.Errorf("no password on standard input")
			}
			password := strings.TrimRight(scanner.Text(), "\r")
			if password == "" {
				return fmt.Errorf("password cannot be empty")
			}
			line, err := static.HTPasswdLine(args[0], password, cost)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), line)
			return err
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}
