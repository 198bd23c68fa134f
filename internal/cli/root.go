// Package cli implements gatectl, a command line front end to the readiness
// gate for checking an asset manifest without the HTTP service.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/klazomenai/splash-gate/pkg/config"
	"github.com/klazomenai/splash-gate/pkg/gate"
	"github.com/klazomenai/splash-gate/pkg/logging"
)

// Version is set at build time with -ldflags "-X .../internal/cli.Version=...".
var Version = "dev"

type rootOptions struct {
	manifest     string
	baseURL      string
	probeTimeout time.Duration
	ceiling      time.Duration
	exitDelay    time.Duration
	logLevel     string
}

// gateConfig returns the timing flags as a gate configuration.
func (o *rootOptions) gateConfig() gate.Config {
	return gate.Config{ProbeTimeout: o.probeTimeout, Ceiling: o.ceiling, ExitDelay: o.exitDelay}
}

// resolve loads the manifest and resolves it against the base URL.
func (o *rootOptions) resolve() ([]gate.Asset, []string, error) {
	m, err := config.LoadManifest(o.manifest)
	if err != nil {
		return nil, nil, err
	}
	return m.Resolve(o.baseURL)
}

// NewRootCmd builds the gatectl command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	def := gate.DefaultConfig()

	root := &cobra.Command{
		Use:   "gatectl",
		Short: "gatectl – splash readiness gate helper",
		Long:  "gatectl probes the critical assets of a page the way the splash gate does and prints the result.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !logging.SetLevel(opts.logLevel) {
				return fmt.Errorf("unknown log level %q", opts.logLevel)
			}
			cfg := opts.gateConfig()
			if cfg.ProbeTimeout <= 0 || cfg.Ceiling <= 0 || cfg.ExitDelay < 0 {
				return fmt.Errorf("invalid timings: probe-timeout=%s ceiling=%s exit-delay=%s",
					cfg.ProbeTimeout, cfg.Ceiling, cfg.ExitDelay)
			}
			if cfg.ProbeTimeout >= cfg.Ceiling {
				return fmt.Errorf("probe-timeout (%s) must be below ceiling (%s)", cfg.ProbeTimeout, cfg.Ceiling)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.manifest, "manifest", "m", os.Getenv("ASSET_MANIFEST"), "asset manifest YAML (default: built-in landing page set)")
	pf.StringVar(&opts.baseURL, "base-url", envOr("ASSET_BASE_URL", "http://localhost:3000"), "base URL for relative asset paths")
	pf.DurationVar(&opts.probeTimeout, "probe-timeout", def.ProbeTimeout, "upper bound for one probe")
	pf.DurationVar(&opts.ceiling, "ceiling", def.Ceiling, "maximum wait before the gate closes")
	pf.DurationVar(&opts.exitDelay, "exit-delay", def.ExitDelay, "pause before the final state")
	pf.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(newProbeCmd(opts), newAssetsCmd(opts), newVersionCmd())
	return root
}

// Execute runs the CLI.
func Execute() {
	// Ctrl-C cancels a running probe; no further states are printed
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
