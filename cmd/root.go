package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	c := newCLI()

	rootCmd := &cobra.Command{
		Use:           "derivctl",
		Short:         "Hold a Deriv trading session from the terminal",
		Long:          "derivctl logs in to Deriv over OAuth, keeps the session in local storage and shows account, balance and notification state from the WebSocket API.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "config file (default $HOME/.deriv/config.toml)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")
	flags.String("storage", "", "storage backend: file, badger or memory")
	flags.String("server-url", "", "override the socket server host")
	_ = c.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = c.v.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = c.v.BindPFlag("storage.backend", flags.Lookup("storage"))
	_ = c.v.BindPFlag("server_url", flags.Lookup("server-url"))

	rootCmd.AddCommand(
		newLoginCmd(c),
		newStatusCmd(c),
		newWatchCmd(c),
		newLogoutCmd(c),
		newResetBalanceCmd(c),
		newSwitchCmd(c),
		newNotificationsCmd(c),
	)

	return rootCmd
}
