package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"crapless.app/cloud/internal/logger"
	"crapless.app/cloud/internal/version"
	"crapless.app/cloud/paywall"
)

type cliConfig struct {
	ServerURL string        `env:"PAYWALL_SERVER_URL" envDefault:"http://localhost:8080"`
	StatePath string        `env:"PAYWALL_STATE"`
	Timeout   time.Duration `env:"PAYWALL_TIMEOUT" envDefault:"10s"`
	LogLevel  string        `env:"LOG_LEVEL" envDefault:"WARN"`
}

// options are shared by every subcommand through the root's persistent flags.
type options struct {
	cfg cliConfig
}

func (o *options) httpClient() *paywall.Client {
	return paywall.NewClient(o.cfg.ServerURL, paywall.WithHTTPClient(&http.Client{Timeout: o.cfg.Timeout}))
}

func (o *options) cache() (*paywall.Cache, error) {
	path := o.cfg.StatePath
	if path == "" {
		var err error
		if path, err = paywall.DefaultPath(); err != nil {
			return nil, fmt.Errorf("failed to locate entitlement file: %w", err)
		}
	}
	return paywall.NewCache(paywall.NewFileStore(path)), nil
}

func NewRootCommand() *cobra.Command {
	opts := &options{}
	if err := env.Parse(&opts.cfg); err != nil {
		fmt.Fprintf(os.Stderr, "ignoring invalid environment: %v\n", err)
	}

	cmd := &cobra.Command{
		Use:           "paywall",
		Short:         "Manage the local license and free-run quota",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.SetLevel(logger.ParseLevel(opts.cfg.LogLevel))
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.cfg.ServerURL, "server", opts.cfg.ServerURL, "license server base URL")
	flags.StringVar(&opts.cfg.StatePath, "state", opts.cfg.StatePath, "entitlement file (defaults to the user config dir)")
	flags.DurationVar(&opts.cfg.Timeout, "timeout", opts.cfg.Timeout, "timeout for single requests")

	cmd.AddCommand(
		RunStatusCommand(opts),
		RunGatedCommand(opts),
		RunActivateCommand(opts),
		RunCheckoutCommand(opts),
		RunConfirmCommand(opts),
	)

	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
