package cmd

import (
	"encoding/json"
	"fmt"

	deriv "github.com/bjoelf/deriv-adapter/adapter"
	"github.com/spf13/cobra"
)

func newNotificationsCmd(c *cli) *cobra.Command {
	var (
		mobile bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List active notifications in display order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.openApp(cmd.Context(), deriv.LaunchParams{})
			if err != nil {
				return err
			}
			defer a.Close()

			viewport := deriv.ViewportDesktop
			if mobile {
				viewport = deriv.ViewportMobile
			}
			messages := a.Notifications().SortedMessages(viewport)

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(messages)
			}
			if len(messages) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "no notifications")
				return err
			}
			for _, n := range messages {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", n.Type, n.Key, n.Message); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&mobile, "mobile", false, "use the mobile display order")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.AddCommand(newDismissCmd(c))
	return cmd
}

func newDismissCmd(c *cli) *cobra.Command {
	var showAgain bool

	cmd := &cobra.Command{
		Use:   "dismiss KEY",
		Short: "Dismiss a notification for the active account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(cmd.Context(), deriv.LaunchParams{})
			if err != nil {
				return err
			}
			defer a.Close()

			key := args[0]
			notifications := a.Notifications()
			if !notifications.Has(key) {
				return fmt.Errorf("notification %q is not active", key)
			}
			if err := notifications.RemoveNotificationMessage(cmd.Context(), key, showAgain); err != nil {
				return fmt.Errorf("dismiss %s: %w", key, err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Dismissed %s\n", key)
			return err
		},
	}

	cmd.Flags().BoolVar(&showAgain, "show-again", false, "do not remember the dismissal")
	return cmd
}
