package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	deriv "github.com/bjoelf/deriv-adapter/adapter"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newLogoutCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the server session and clear stored credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.openApp(cmd.Context(), deriv.LaunchParams{})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := requireLogin(a); err != nil {
				return err
			}
			loginID := a.Client().LoginID()

			resp, err := a.Client().Logout(cmd.Context())
			if err != nil {
				return err
			}
			if resp.Logout != 1 {
				return errors.New("server did not confirm logout, session kept")
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Logged out %s\n", loginID)
			return err
		},
	}
}

func newResetBalanceCmd(c *cli) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "reset-balance",
		Short: "Top up the demo account to its default balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.openApp(cmd.Context(), deriv.LaunchParams{})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := requireLogin(a); err != nil {
				return err
			}
			client := a.Client()
			if !client.IsVirtual() {
				return fmt.Errorf("%s is a real account, only demo balances can be reset", client.LoginID())
			}

			updated := make(chan decimal.Decimal, 1)
			unsubscribe := client.Subscribe(func(ev deriv.Event) {
				if ev.Kind != deriv.EventBalance {
					return
				}
				if amount, ok := ev.Data.(decimal.Decimal); ok {
					select {
					case updated <- amount:
					default:
					}
				}
			})
			defer unsubscribe()

			client.ResetVirtualBalance(cmd.Context())

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			select {
			case amount := <-updated:
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Balance reset: %s %s\n", amount.StringFixed(2), client.Currency())
				return err
			case <-ctx.Done():
				return fmt.Errorf("no balance update after top up: %w", ctx.Err())
			}
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the new balance")
	return cmd
}

func newSwitchCmd(c *cli) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "switch LOGINID",
		Short: "Activate another account from the stored accounts list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]

			a, err := c.openApp(cmd.Context(), deriv.LaunchParams{})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := requireLogin(a); err != nil {
				return err
			}
			client := a.Client()

			authorized := make(chan struct{}, 1)
			unsubscribe := client.Subscribe(func(ev deriv.Event) {
				if ev.Kind == deriv.EventAuthorized && ev.LoginID == target {
					select {
					case authorized <- struct{}{}:
					default:
					}
				}
			})
			defer unsubscribe()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := client.SwitchAccount(ctx, target); err != nil {
				return err
			}
			if client.LoginID() != target {
				select {
				case <-authorized:
				case <-ctx.Done():
					return fmt.Errorf("switch to %s not confirmed: %w", target, ctx.Err())
				}
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Switched to %s (%s %s)\n",
				target, client.Balance().StringFixed(2), client.Currency())
			return err
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the authorize response")
	return cmd
}
