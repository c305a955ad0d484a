package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	deriv "github.com/bjoelf/deriv-adapter/adapter"
	"github.com/bjoelf/deriv-adapter/adapter/app"
	"github.com/bjoelf/deriv-adapter/adapter/callback"
	"github.com/spf13/cobra"
)

func newLoginCmd(c *cli) *cobra.Command {
	var (
		token   string
		account string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in through the browser redirect or with an API token",
		Long:  "Without --token, login prints the Deriv OAuth URL and waits for the redirect on the local callback listener. The redirect's acctN/tokenN accounts are stored and the selected one is authorized.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			var (
				params deriv.LaunchParams
				opts   []app.Option
			)
			if token != "" {
				params.Token = token
			} else {
				redirect, exchanger, err := waitForRedirect(ctx, cmd, c, timeout)
				if err != nil {
					return err
				}
				params = redirect
				if exchanger != nil {
					opts = append(opts, app.WithExchanger(exchanger))
				}
			}
			if account != "" {
				params.Account = account
			}

			a, err := c.openApp(ctx, params, opts...)
			if err != nil {
				return err
			}
			defer a.Close()

			client := a.Client()
			if !client.IsLoggedIn() {
				return errors.New("login rejected by the server")
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s %s)\n",
				client.LoginID(), client.Balance().StringFixed(2), client.Currency())
			return err
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "API token to authorize with instead of the browser flow")
	cmd.Flags().StringVar(&account, "account", "", "currency of the account to activate, or \"demo\"")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the browser redirect")
	return cmd
}

// waitForRedirect runs the callback listener until the OAuth redirect
// arrives. The exchanger is returned only when a one-time token needs it.
func waitForRedirect(ctx context.Context, cmd *cobra.Command, c *cli, timeout time.Duration) (deriv.LaunchParams, deriv.TokenExchanger, error) {
	oauthClient := deriv.NewOAuthClient(c.cfg, c.logger)
	state := deriv.NewState()

	srv := callback.New(c.cfg.Callback.Listen, callback.Deps{State: state, Logger: c.logger})
	if _, err := srv.Start(); err != nil {
		return deriv.LaunchParams{}, nil, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Open this URL to log in:\n%s\n", oauthClient.LoginURL(state))

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	params, err := srv.Wait(waitCtx)
	if err != nil {
		return deriv.LaunchParams{}, nil, fmt.Errorf("wait for login redirect: %w", err)
	}

	if params.Token != "" && oauthClient.CanExchange() {
		return params, oauthClient, nil
	}
	return params, nil, nil
}
