package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	deriv "github.com/bjoelf/deriv-adapter/adapter"
	"github.com/bjoelf/deriv-adapter/adapter/app"
	"github.com/spf13/cobra"
)

type statusView struct {
	LoggedIn   bool     `json:"logged_in"`
	LoginID    string   `json:"loginid,omitempty"`
	IsVirtual  bool     `json:"is_virtual"`
	Currency   string   `json:"currency"`
	Balance    string   `json:"balance,omitempty"`
	SiteStatus string   `json:"site_status,omitempty"`
	Currencies []string `json:"currencies"`
	Accounts   []string `json:"accounts,omitempty"`
	Error      string   `json:"error,omitempty"`
}

func newStatusCmd(c *cli) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored session, account and site status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.openApp(cmd.Context(), deriv.LaunchParams{})
			if err != nil {
				return err
			}
			defer a.Close()

			view := buildStatusView(a)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			}
			return writeStatusText(cmd.OutOrStdout(), view)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func buildStatusView(a *app.App) statusView {
	client := a.Client()
	view := statusView{
		LoggedIn:   client.IsLoggedIn(),
		LoginID:    client.LoginID(),
		IsVirtual:  client.IsVirtual(),
		Currency:   client.Currency(),
		Currencies: client.Currencies(),
		Accounts:   client.LoginIDs(),
	}
	if view.LoggedIn {
		view.Balance = client.Balance().StringFixed(2)
	}
	if status, ok := client.WebsiteStatus(); ok {
		view.SiteStatus = status.SiteStatus
	}
	if state, ok := a.Common().CurrentError(); ok {
		view.Error = state.Message
	}
	return view
}

func writeStatusText(w io.Writer, view statusView) error {
	var b strings.Builder
	if view.LoggedIn {
		kind := "real"
		if view.IsVirtual {
			kind = "demo"
		}
		fmt.Fprintf(&b, "account:    %s (%s)\n", view.LoginID, kind)
		fmt.Fprintf(&b, "balance:    %s %s\n", view.Balance, view.Currency)
	} else {
		fmt.Fprintf(&b, "account:    not logged in\n")
	}
	if len(view.Accounts) > 0 {
		fmt.Fprintf(&b, "accounts:   %s\n", strings.Join(view.Accounts, ", "))
	}
	fmt.Fprintf(&b, "site:       %s\n", view.SiteStatus)
	fmt.Fprintf(&b, "currencies: %s\n", strings.Join(view.Currencies, ", "))
	if view.Error != "" {
		fmt.Fprintf(&b, "error:      %s\n", view.Error)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
