package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the bcrypt hash of a password",
		Long: `Hash-password prints the hash to put in enroll.admin_password_hash
or attendance.password_hash. Without an argument the password is read
from the first line of stdin.

Example:
  echo 'secreto' | aulaforms hash-password`,
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{noConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var pwd string
			if len(args) == 1 {
				pwd = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("reading password: %w", err)
				}
				pwd = strings.TrimRight(line, "\r\n")
			}
			if pwd == "" {
				return errors.New("password is empty")
			}
			h, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(h))
			return nil
		},
	}
}
