package cli

import (
	"fmt"

	"github.com/rudransh-shrivastava/peer-touch/internal/identity"
	"github.com/spf13/cobra"
)

func newIDCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "id",
		Short: "prints the stored peer identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := identity.Open(opts.cfg.IdentityDB)
			if err != nil {
				return err
			}
			defer store.Close()

			id, ok, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "no identity stored yet")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().String("db", "", "identity database path (overrides identity_db)")
	return cmd
}
