// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-esapi.
//
// go-esapi is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-esapi/internal/config"
	"github.com/jeremyhahn/go-esapi/pkg/esys"
	"github.com/jeremyhahn/go-esapi/pkg/logging"
	"github.com/jeremyhahn/go-esapi/pkg/metrics"
)

// ContextOpener connects to the TPM described by cfg.
type ContextOpener func(cfg *config.Config, logger *logging.Logger) (*esys.Context, error)

// OpenTPM is the ContextOpener used outside of tests.
func OpenTPM(cfg *config.Config, logger *logging.Logger) (*esys.Context, error) {
	return esys.Open(cfg.ESYS(), esys.WithLogger(logger))
}

// app carries the state shared by every subcommand of one root command.
type app struct {
	v      *viper.Viper
	open   ContextOpener
	fs     afero.Fs
	cfg    *config.Config
	logger *logging.Logger
}

// Option configures the root command.
type Option func(*app)

// WithOpener replaces the function used to connect to the TPM.
func WithOpener(open ContextOpener) Option {
	return func(a *app) { a.open = open }
}

// WithFs sets the filesystem holding the key store.
func WithFs(fs afero.Fs) Option {
	return func(a *app) { a.fs = fs }
}

// NewRootCommand builds the esapi command tree.
func NewRootCommand(opts ...Option) *cobra.Command {
	a := &app{
		v:    viper.New(),
		open: OpenTPM,
		fs:   afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(a)
	}

	root := &cobra.Command{
		Use:   "esapi",
		Short: "go-esapi CLI - TPM 2.0 enhanced system API tool",
		Long: `esapi drives a TPM 2.0 through the go-esapi context, which tracks every
handle it creates and releases them on exit.

The TPM is selected with --device or --simulator, a config file, or the
ESAPI_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (YAML)")
	flags.String("device", "", "TPM device or unix socket (default /dev/tpmrm0)")
	flags.Bool("simulator", false, "connect to a TPM simulator instead of a device")
	flags.StringP("output", "o", "text", "output format (text, json)")
	flags.BoolP("verbose", "v", false, "verbose output")
	flags.Bool("metrics", false, "print Prometheus metrics after the command")

	bind := map[string]string{
		"config":            "config",
		"tpm.device":        "device",
		"tpm.use_simulator": "simulator",
		"output":            "output",
		"logging.debug":     "verbose",
		"metrics.enabled":   "metrics",
	}
	for key, flag := range bind {
		_ = a.v.BindPFlag(key, flags.Lookup(flag)) // flags are registered above
	}

	root.AddCommand(newVersionCmd(a))
	root.AddCommand(newRandomCmd(a))
	root.AddCommand(newPCRCmd(a))
	root.AddCommand(newCapsCmd(a))
	root.AddCommand(newNVCmd(a))
	root.AddCommand(newSignCmd(a))
	return root
}

// Execute runs the root command and prints any error to stderr in the
// selected output format.
func Execute() error {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		format, _ := root.PersistentFlags().GetString("output")
		_ = NewPrinter(format, os.Stderr).PrintError(err) // best-effort
		return err
	}
	return nil
}

// loadConfig reads the config file and lets explicitly set flags win over it.
func (a *app) loadConfig() error {
	cfg, err := config.Load(a.v.GetString("config"))
	if err != nil {
		return err
	}
	if a.v.IsSet("tpm.device") {
		cfg.TPM.Device = a.v.GetString("tpm.device")
	}
	if a.v.IsSet("tpm.use_simulator") {
		cfg.TPM.UseSimulator = a.v.GetBool("tpm.use_simulator")
	}
	if a.v.GetBool("logging.debug") {
		cfg.Logging.Debug = true
	}
	if a.v.GetBool("metrics.enabled") {
		cfg.Metrics.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	switch format := OutputFormat(a.v.GetString("output")); format {
	case OutputFormatText, OutputFormatJSON:
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
	a.cfg = cfg
	a.logger = logging.NewLogger(cfg.Logging.Debug)
	return nil
}

func (a *app) printer(cmd *cobra.Command) *Printer {
	return NewPrinter(a.v.GetString("output"), cmd.OutOrStdout())
}

// withContext opens a context, runs fn and closes the context, folding the
// teardown error into fn's.
func (a *app) withContext(cmd *cobra.Command, fn func(*esys.Context) error) (err error) {
	if a.cfg.Metrics.Enabled {
		metrics.Enable()
		defer func() {
			if merr := writeMetrics(cmd.ErrOrStderr()); merr != nil {
				a.logger.Error(merr)
			}
		}()
	}
	a.printVerbose(cmd, "opening TPM (simulator=%t device=%s)", a.cfg.TPM.UseSimulator, a.cfg.TPM.Device)
	ctx, err := a.open(a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		if a.cfg.Metrics.Enabled {
			// sample before teardown so the gauges show what the command left loaded
			if merr := metrics.CollectOnce(ctx); merr != nil {
				a.logger.Warnf("sampling loaded handles: %v", merr)
			}
		}
		if cerr := ctx.Close(); cerr != nil {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}()
	return fn(ctx)
}

// printVerbose prints a message if verbose mode is enabled
func (a *app) printVerbose(cmd *cobra.Command, format string, args ...any) {
	if a.cfg != nil && a.cfg.Logging.Debug {
		fmt.Fprintf(cmd.ErrOrStderr(), "[VERBOSE] "+format+"\n", args...)
	}
}

// writeMetrics writes the esapi metric families in the Prometheus text
// exposition format.
func writeMetrics(w io.Writer) error {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), metrics.Namespace+"_") {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
