package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"PlatesRelay/global/config"
	"PlatesRelay/tools/security"
)

// tokenCmd prints a cookie value for a user id, signed with the configured
// secret. Handy for manual testing against a running relay.
var tokenCmd = &cobra.Command{
	Use:   "token <userId>",
	Short: "Print a signed auth token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("user id %q: %w", args[0], err)
		}
		c, err := config.Load(v)
		if err != nil {
			return err
		}
		val, err := security.NewValidator([]byte(c.Auth.Secret))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), val.Token(id))
		return nil
	},
}

func init() {
	RootCmd.AddCommand(tokenCmd)
}
