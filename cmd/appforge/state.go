package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"appforge/pkg/state"
)

func stateCmd(a *app) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or delete stored project state",
	}
	cmd.PersistentFlags().StringVarP(&userID, "user", "u", "local", "User ID")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <project>",
		Short: "Print the stored state of a project as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := a.newKernel(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = k.Close() }()

			snap, err := k.States.Load(cmd.Context(), args[0], userID)
			if errors.Is(err, state.ErrNotFound) {
				return fmt.Errorf("no state stored for project %s (user %s)", args[0], userID)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <project>",
		Short: "Delete the stored state and messages of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := a.newKernel(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = k.Close() }()

			ctx := cmd.Context()
			if err := k.States.Delete(ctx, args[0], userID); err != nil {
				return err
			}
			if k.Messages != nil {
				n, err := k.Messages.DeleteAll(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted state and %d message(s) for project %s\n", n, args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted state for project %s\n", args[0])
			return nil
		},
	})
	return cmd
}
