package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/tabline/internal/live/app"
	"github.com/aussiebroadwan/tabline/internal/live/gateway"
)

// cli carries the flags shared by every command.
type cli struct {
	envFile string
	// loadConfig is swapped in tests
	loadConfig func(envFile string) (app.Config, error)
	options    []app.Option
}

func newRootCmd() *cobra.Command {
	c := &cli{loadConfig: app.LoadConfig}
	return c.rootCmd()
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tabline",
		Short: "Live session client for BarTab chat",
		Long: `tabline signs in to the BarTab API and keeps one live STOMP connection
open, refreshing tokens and reconnecting as needed.

Configuration is read from the environment (TABLINE_*), optionally seeded
from a .env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&c.envFile, "env-file", "", "load configuration from this file")

	root.AddCommand(
		c.loginCmd(),
		c.registerCmd(),
		c.logoutCmd(),
		c.whoamiCmd(),
		c.conversationsCmd(),
		c.listenCmd(),
		c.sendCmd(),
	)
	return root
}

// open builds the application and hands it to fn, shutting it down after.
func (c *cli) open(cmd *cobra.Command, fn func(ctx context.Context, a *app.Application) error) error {
	cfg, err := c.loadConfig(c.envFile)
	if err != nil {
		return err
	}

	opts := append([]app.Option{
		app.WithNavigator(gateway.NavigatorFunc(func(context.Context, error) {
			fmt.Fprintln(cmd.ErrOrStderr(), "session expired, run `tabline login` to sign in again")
		})),
	}, c.options...)

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = a.Shutdown() }()

	return fn(ctx, a)
}

func requireSession(a *app.Application) error {
	if !a.Credentials.IsAuthenticated() {
		return fmt.Errorf("not signed in, run `tabline login` first")
	}
	return nil
}
