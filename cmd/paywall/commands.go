package main

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"crapless.app/cloud/internal/keygen"
	"crapless.app/cloud/internal/version"
	"crapless.app/cloud/models"
	"crapless.app/cloud/paywall"
)

var errKeyRejected = errors.New("key rejected")

func tierLabel(t paywall.Tier) string {
	if t == paywall.TierFree {
		return "Free"
	}
	return models.Plan(t).Label()
}

func RunStatusCommand(opts *options) *cobra.Command {
	var checkServer bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the activated tier and remaining free runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			cache, err := opts.cache()
			if err != nil {
				return err
			}
			e, err := cache.Current()
			if err != nil {
				return err
			}
			remaining, err := cache.Remaining(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Tier: %s\n", tierLabel(e.Tier))
			if remaining == paywall.Unlimited {
				fmt.Fprintln(out, "Runs: unlimited")
			} else {
				fmt.Fprintf(out, "Free runs remaining: %d\n", remaining)
			}
			if e.ActivatedKey != "" {
				fmt.Fprintf(out, "Key: %s\n", e.ActivatedKey)
			}

			if !checkServer {
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.cfg.Timeout)
			defer cancel()

			info, err := opts.httpClient().Health(ctx)
			if err != nil {
				return fmt.Errorf("license server unreachable: %w", err)
			}
			fmt.Fprintf(out, "Server: %s (version %s)\n", info.Status, info.Version)

			if version.IsDev(info.Version) || version.IsDev(version.Version) {
				return nil
			}
			if ok, err := version.Compatible(info.Version, version.Version); err == nil && !ok {
				fmt.Fprintf(out, "Warning: server version %s may not support this client (%s)\n", info.Version, version.Version)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkServer, "check-server", false, "also report the license server's health")
	return cmd
}

// RunGatedCommand spends one free run, or runs freely on a paid tier. With a
// command after "--" it is executed only when allowed.
func RunGatedCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run [-- command [args...]]",
		Short: "Use one run of the gated feature",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			cache, err := opts.cache()
			if err != nil {
				return err
			}

			err = paywall.Guard(cmd.Context(), cache, func() error {
				if len(args) == 0 {
					return nil
				}
				c := exec.CommandContext(cmd.Context(), args[0], args[1:]...)
				c.Stdout = out
				c.Stderr = cmd.ErrOrStderr()
				return c.Run()
			})
			if errors.Is(err, paywall.ErrQuotaExceeded) {
				fmt.Fprintln(out, "Free runs used up. Upgrade with: paywall checkout pro|lifetime")
				fmt.Fprintln(out, "Already bought? Run: paywall activate <KEY>")
				return err
			}
			if err != nil {
				return err
			}

			remaining, err := cache.Remaining(cmd.Context())
			if err != nil {
				return err
			}
			if remaining == paywall.Unlimited {
				fmt.Fprintln(out, "Run allowed.")
			} else {
				fmt.Fprintf(out, "Run allowed. %d free runs remaining.\n", remaining)
			}
			return nil
		},
	}
}

func RunActivateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "activate KEY",
		Short: "Activate a license key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			key := keygen.Normalize(args[0])
			if key == "" {
				return fmt.Errorf("%w: no key provided", errKeyRejected)
			}

			cache, err := opts.cache()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.cfg.Timeout)
			defer cancel()

			resp, err := opts.httpClient().ValidateKey(ctx, key)
			if err != nil {
				return fmt.Errorf("network error, check your connection and retry: %w", err)
			}
			if !resp.Valid {
				msg := resp.Error
				if msg == "" {
					msg = "Invalid key."
				}
				return fmt.Errorf("%w: %s", errKeyRejected, msg)
			}

			tier, err := paywall.TierForPlan(resp.Plan)
			if err != nil {
				return err
			}

			err = cache.Activate(tier, key)
			if errors.Is(err, paywall.ErrDowngradeIgnored) {
				current, _ := cache.Current()
				fmt.Fprintf(out, "Key is valid, but %s is already active. Keeping %s.\n", tierLabel(current.Tier), tierLabel(current.Tier))
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "%s activated. Unlimited runs unlocked.\n", tierLabel(tier))
			return nil
		},
	}
}

func RunCheckoutCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:       "checkout PLAN",
		Short:     "Start a purchase of pro or lifetime",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(models.PlanPro), string(models.PlanLifetime)},
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, ok := models.ParsePlan(args[0])
			if !ok {
				return fmt.Errorf("unknown plan %q (choose pro or lifetime)", args[0])
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.cfg.Timeout)
			defer cancel()

			url, err := opts.httpClient().CreateCheckout(ctx, plan)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Open this page to pay:")
			fmt.Fprintln(out, url)
			fmt.Fprintln(out, "When you are sent back, run: paywall confirm '<the URL you landed on>'")
			return nil
		},
	}
}

func RunConfirmCommand(opts *options) *cobra.Command {
	var (
		sessionID string
		interval  time.Duration
		attempts  int
	)

	cmd := &cobra.Command{
		Use:   "confirm [RETURN_URL]",
		Short: "Wait for a finished checkout's license and activate it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			cache, err := opts.cache()
			if err != nil {
				return err
			}

			poller := paywall.NewPoller(opts.httpClient(),
				paywall.WithActivator(cache),
				paywall.WithInterval(interval),
				paywall.WithMaxAttempts(attempts),
			)

			fmt.Fprintln(out, "Confirming your purchase...")

			var conf *paywall.Confirmation
			if len(args) == 1 {
				conf, err = poller.ConfirmReturn(cmd.Context(), args[0])
			} else {
				conf, err = poller.Confirm(cmd.Context(), sessionID)
			}

			if errors.Is(err, paywall.ErrConfirmationTimeout) {
				fmt.Fprintln(out, "We could not confirm your purchase yet.")
				fmt.Fprintln(out, "Check your email for the key, or contact support with your receipt.")
				return err
			}
			if conf == nil {
				return err
			}

			fmt.Fprintf(out, "Purchase confirmed: %s. Your key: %s\n", conf.Plan.Label(), conf.Key)
			fmt.Fprintln(out, "Keep it somewhere safe to activate other devices.")
			return err
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "checkout session id, instead of a return URL")
	cmd.Flags().DurationVar(&interval, "interval", paywall.DefaultPollInterval, "delay before each status request")
	cmd.Flags().IntVar(&attempts, "attempts", paywall.DefaultMaxAttempts, "status requests before giving up")
	return cmd
}
