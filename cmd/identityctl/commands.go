package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"identity-core/internal/bootstrap"
	"identity-core/internal/platform/apperr"
)

type appOpener func(ctx context.Context) (*bootstrap.App, error)

func newRootCmd(open appOpener, out io.Writer) *cobra.Command {
	var timeout time.Duration
	root := &cobra.Command{
		Use:           "identityctl",
		Short:         "Administer identities, devices and sessions",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(out)
	root.SetErr(out)
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout of the command")

	// withApp opens the app, runs fn and closes the app.
	withApp := func(fn func(ctx context.Context, app *bootstrap.App, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			app, err := open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close(context.Background()) }()
			return fn(ctx, app, args)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "sweep",
			Short: "Expire lapsed refresh tokens and delete old terminal ones",
			Args:  cobra.NoArgs,
			RunE: withApp(func(ctx context.Context, app *bootstrap.App, _ []string) error {
				res, err := app.Sweeper.SweepOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "expired: %d, deleted: %d\n", res.Expired, res.Deleted)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "revoke-device DEVICE_ID",
			Short: "Revoke a device, ending its sessions and access tokens",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(func(ctx context.Context, app *bootstrap.App, args []string) error {
				if err := app.Devices.Revoke(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(out, "device %s revoked\n", args[0])
				return nil
			}),
		},
		&cobra.Command{
			Use:   "logout-everywhere EMAIL",
			Short: "End every session of an identity",
			Args:  cobra.ExactArgs(1),
			RunE: withApp(func(ctx context.Context, app *bootstrap.App, args []string) error {
				ident, err := app.Identities.FindByEmail(ctx, args[0])
				if err != nil {
					return err
				}
				if ident == nil {
					return fmt.Errorf("identity %s: %w", args[0], apperr.ErrNotFound)
				}
				n, err := app.Issuer.LogoutEverywhere(ctx, ident.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "sessions revoked: %d\n", n)
				return nil
			}),
		},
		newCreateIdentityCmd(withApp, out),
		newResetSecretCmd(withApp, out),
		newAuditCmd(withApp, out),
	)
	return root
}

type runWrapper func(fn func(ctx context.Context, app *bootstrap.App, args []string) error) func(*cobra.Command, []string) error

func newCreateIdentityCmd(withApp runWrapper, out io.Writer) *cobra.Command {
	var secret, role string
	cmd := &cobra.Command{
		Use:   "create-identity EMAIL",
		Short: "Register an identity with a role",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, app *bootstrap.App, args []string) error {
			ident, err := app.Issuer.Register(ctx, args[0], secret, role)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "identity %s created (%s)\n", ident.ID, ident.Email)
			return nil
		}),
	}
	cmd.Flags().StringVar(&secret, "secret", "", "initial secret")
	cmd.Flags().StringVar(&role, "role", "", "role name")
	_ = cmd.MarkFlagRequired("secret")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func newResetSecretCmd(withApp runWrapper, out io.Writer) *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "reset-secret EMAIL",
		Short: "Replace an identity's secret and end all its sessions",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, app *bootstrap.App, args []string) error {
			if err := app.Issuer.ResetSecret(ctx, args[0], secret); err != nil {
				return err
			}
			fmt.Fprintf(out, "secret reset for %s\n", args[0])
			return nil
		}),
	}
	cmd.Flags().StringVar(&secret, "secret", "", "new secret")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}

func newAuditCmd(withApp runWrapper, out io.Writer) *cobra.Command {
	var limit, skip int64
	cmd := &cobra.Command{
		Use:   "audit EMAIL",
		Short: "Print an identity's audit trail as JSON lines, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, app *bootstrap.App, args []string) error {
			ident, err := app.Identities.FindByEmail(ctx, args[0])
			if err != nil {
				return err
			}
			if ident == nil {
				return fmt.Errorf("identity %s: %w", args[0], apperr.ErrNotFound)
			}
			logs, err := app.Audit.ListByIdentity(ctx, ident.ID, limit, skip)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			for _, l := range logs {
				if err := enc.Encode(l); err != nil {
					return err
				}
			}
			return nil
		}),
	}
	cmd.Flags().Int64Var(&limit, "limit", 50, "maximum entries")
	cmd.Flags().Int64Var(&skip, "skip", 0, "entries to skip")
	return cmd
}
