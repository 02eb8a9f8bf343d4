package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/tabline/internal/live/app"
	"github.com/aussiebroadwan/tabline/internal/live/domain"
)

type authFlags struct {
	email    string
	password string
}

func (f *authFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.email, "email", "", "account email")
	cmd.Flags().StringVar(&f.password, "password", "", "account password (or TABLINE_PASSWORD)")
	_ = cmd.MarkFlagRequired("email")
}

func (f *authFlags) resolvedPassword() (string, error) {
	if f.password != "" {
		return f.password, nil
	}
	if p := os.Getenv("TABLINE_PASSWORD"); p != "" {
		return p, nil
	}
	return "", errors.New("a password is required, pass --password or set TABLINE_PASSWORD")
}

func (c *cli) loginCmd() *cobra.Command {
	var f authFlags
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := f.resolvedPassword()
			if err != nil {
				return err
			}
			return c.open(cmd, func(ctx context.Context, a *app.Application) error {
				resp, err := a.Gateway.Login(ctx, f.email, password)
				if err != nil {
					return fmt.Errorf("login failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s (user %d)\n", resp.Email, resp.UserID)
				return nil
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func (c *cli) registerCmd() *cobra.Command {
	var f authFlags
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in with it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			password, err := f.resolvedPassword()
			if err != nil {
				return err
			}
			return c.open(cmd, func(ctx context.Context, a *app.Application) error {
				resp, err := a.Gateway.Register(ctx, f.email, password)
				if err != nil {
					return fmt.Errorf("register failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "registered and signed in as %s\n", resp.Email)
				return nil
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.open(cmd, func(ctx context.Context, a *app.Application) error {
				a.Gateway.Logout(ctx)
				fmt.Fprintln(cmd.OutOrStdout(), "signed out")
				return nil
			})
		},
	}
}

func (c *cli) whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.open(cmd, func(_ context.Context, a *app.Application) error {
				if err := requireSession(a); err != nil {
					return err
				}
				printCredential(cmd, a.Credentials.Credential())
				return nil
			})
		},
	}
}

func printCredential(cmd *cobra.Command, cred domain.Credential) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "subject: %s\n", cred.SubjectID)
	if cred.Email != "" {
		fmt.Fprintf(out, "email:   %s\n", cred.Email)
	}
	fmt.Fprintf(out, "premium: %t\n", cred.Premium)

	switch {
	case cred.ExpiresAt.IsZero():
		fmt.Fprintln(out, "expires: unknown")
	case cred.Expired(time.Now()):
		fmt.Fprintf(out, "expires: %s (expired, refreshed on next use)\n", cred.ExpiresAt.Format(time.RFC3339))
	default:
		fmt.Fprintf(out, "expires: %s\n", cred.ExpiresAt.Format(time.RFC3339))
	}
}
