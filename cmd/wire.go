package cmd

import (
	"context"
	"fmt"
	"log/slog"

	deriv "github.com/bjoelf/deriv-adapter/adapter"
	"github.com/bjoelf/deriv-adapter/adapter/app"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cli carries what every command needs once flags are parsed
type cli struct {
	v      *viper.Viper
	cfg    *deriv.Config
	logger *slog.Logger

	configFile string
}

func newCLI() *cli {
	return &cli{v: deriv.NewViper()}
}

// load reads the configuration; it runs as the root PersistentPreRunE
func (c *cli) load(cmd *cobra.Command) error {
	if c.configFile != "" {
		c.v.SetConfigFile(c.configFile)
	}

	cfg, err := deriv.LoadConfig(c.v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	c.cfg = cfg
	c.logger = cfg.NewLogger(cmd.ErrOrStderr())
	return nil
}

// openApp opens storage, wires the app and starts it with params. The caller
// closes the app, which also closes storage.
func (c *cli) openApp(ctx context.Context, params deriv.LaunchParams, opts ...app.Option) (*app.App, error) {
	storage, err := deriv.OpenStorage(c.cfg)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a, err := app.New(c.cfg, storage, c.logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("wire app: %w", err)
	}
	if err := a.Start(ctx, params); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// requireLogin fails unless the restored session is logged in
func requireLogin(a *app.App) error {
	if !a.Client().IsLoggedIn() {
		return fmt.Errorf("not logged in: run \"derivctl login\" first")
	}
	return nil
}
