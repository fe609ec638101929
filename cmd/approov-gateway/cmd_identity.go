package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newDeviceIDCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "device-id",
		Short: "Print the device ID used for attestation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := a.newService(cmd.Context(), nil, false)
			if err != nil {
				return err
			}
			defer cleanup()

			id, err := svc.Gateway().DeviceID(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func newSignCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign MESSAGE",
		Short: "Sign a message with the account message signing key",
		Long: `Sign a message with the account message signing key.

The key is delivered with a successful token fetch, so a token is fetched
for --url first. Include a token in the message to prevent replay.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")

			svc, cleanup, err := a.newService(cmd.Context(), nil, false)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout())
			defer cancel()

			if _, err := svc.Gateway().FetchToken(ctx, url); err != nil {
				return err
			}
			sig, err := svc.Gateway().MessageSignature(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sig)
			return nil
		},
	}
	cmd.Flags().String("url", "https://approov.io", "URL to fetch a token for before signing")
	return cmd
}

func newCustomJWTCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "custom-jwt PAYLOAD",
		Short: "Fetch a JWT carrying the claims in a JSON payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var claims map[string]any
			if err := json.Unmarshal([]byte(args[0]), &claims); err != nil {
				return errors.New("payload must be a JSON object")
			}

			svc, cleanup, err := a.newService(cmd.Context(), nil, false)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout())
			defer cancel()

			jwt, err := svc.Gateway().FetchCustomJWT(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), jwt)
			return nil
		},
	}
}
