package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	deriv "github.com/bjoelf/deriv-adapter/adapter"
	"github.com/bjoelf/deriv-adapter/adapter/app"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newWatchCmd(c *cli) *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream balance, transactions, site status and notifications",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.openApp(cmd.Context(), deriv.LaunchParams{})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			w := newEventWriter(cmd.OutOrStdout())
			w.attach(a)
			defer w.detach()

			unsubscribe := a.Subscribe(func(ev deriv.Event) {
				if ev.Kind == deriv.EventReloaded {
					w.printf("reloaded session\n")
					w.detach()
					w.attach(a)
				}
			})
			defer unsubscribe()

			w.printf("watching %s, press Ctrl+C to stop\n", describeAccount(a))
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

func describeAccount(a *app.App) string {
	client := a.Client()
	if !client.IsLoggedIn() {
		return "anonymous session"
	}
	return fmt.Sprintf("%s (%s %s)", client.LoginID(), client.Balance().StringFixed(2), client.Currency())
}

// eventWriter prints store events of the current app generation
type eventWriter struct {
	mu     sync.Mutex
	out    io.Writer
	unsubs []func()
}

func newEventWriter(out io.Writer) *eventWriter {
	return &eventWriter{out: out}
}

func (w *eventWriter) printf(format string, args ...interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, format, args...)
}

func (w *eventWriter) attach(a *app.App) {
	client := a.Client()
	subs := []func(){
		client.Subscribe(func(ev deriv.Event) {
			switch ev.Kind {
			case deriv.EventBalance:
				if amount, ok := ev.Data.(decimal.Decimal); ok {
					w.printf("balance %s %s %s\n", ev.LoginID, amount.StringFixed(2), client.Currency())
				}
			case deriv.EventAuthorized:
				w.printf("authorized %s\n", ev.LoginID)
			case deriv.EventLogout:
				w.printf("logged out %s\n", ev.LoginID)
			case deriv.EventWebsiteStatus:
				if status, ok := ev.Data.(deriv.WebsiteStatus); ok {
					w.printf("site %s\n", status.SiteStatus)
				}
			}
		}),
		a.Analytics().Subscribe(func(ev deriv.Event) {
			if tx, ok := ev.Data.(deriv.Transaction); ok {
				w.printf("transaction %d %s %s -> %s\n", tx.TransactionID, tx.Action, tx.Amount.String(), tx.Balance.String())
			}
		}),
		a.Common().Subscribe(func(ev deriv.Event) {
			switch ev.Kind {
			case deriv.EventSocketState:
				if opened, ok := ev.Data.(bool); ok {
					w.printf("socket opened=%t\n", opened)
				}
			case deriv.EventCommonError:
				if state, ok := ev.Data.(deriv.ErrorState); ok {
					w.printf("error %s: %s\n", state.Code, state.Message)
				}
			}
		}),
	}

	notifications := a.Notifications()
	subs = append(subs, notifications.Subscribe(func(ev deriv.Event) {
		if ev.Kind != deriv.EventNotifications {
			return
		}
		for _, n := range notifications.SortedMessages(deriv.ViewportDesktop) {
			w.printf("notification [%s] %s: %s\n", n.Type, n.Key, n.Message)
		}
	}))

	w.mu.Lock()
	w.unsubs = append(w.unsubs, subs...)
	w.mu.Unlock()
}

func (w *eventWriter) detach() {
	w.mu.Lock()
	unsubs := w.unsubs
	w.unsubs = nil
	w.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}
