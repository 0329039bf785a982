// Package cmd defines and implements the CLI commands for the orderscraper
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/order-history-scraper/internal/config"
	"github.com/JakeFAU/order-history-scraper/internal/control"
	"github.com/JakeFAU/order-history-scraper/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the commands need from the composition root. Tests inject a
// fake through newApp.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Handle(ctx context.Context, req control.Request) control.Response
}

// newApp is the application factory. It's a variable so tests can replace
// it.
var newApp = func(ctx context.Context, cfgFile string) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return server.Build(ctx, &cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "orderscraper",
		Short: "Scrapes order and payment history from a signed-in retail account.",
		Long: `orderscraper walks the order history and payment transaction pages of a
retail account using exported session cookies. Pages are cached so repeated
runs only fetch what changed. Run "serve" for the HTTP control API or use the
one-shot commands to print results as JSON.`,
		SilenceUsage: true,

		// Builds the application once flags are parsed and before the
		// subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML); SCRAPER_* env vars override it")

	cmd.AddCommand(
		newServeCmd(),
		newOrdersCmd(),
		newTransactionsCmd(),
		newPeriodsCmd(),
		newCacheCmd(),
		newLogoutCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// withApp adapts fn into a RunE that closes the application afterwards,
// including when fn fails.
func withApp(fn func(cmd *cobra.Command, appInstance App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		appInstance, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		runErr := fn(cmd, appInstance)
		closeErr := appInstance.Close(context.WithoutCancel(cmd.Context()))
		return errors.Join(runErr, closeErr)
	}
}
