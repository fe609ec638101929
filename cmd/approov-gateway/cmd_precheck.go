package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newPrecheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "precheck",
		Short: "Check whether this device currently passes attestation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := a.newService(cmd.Context(), nil, false)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout())
			defer cancel()

			if err := svc.Gateway().Precheck(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "attestation passed")
			return nil
		},
	}
}
