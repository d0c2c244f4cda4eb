package main

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/IvanBrykalov/diskcache/cache"
	"github.com/IvanBrykalov/diskcache/config"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// app carries the state shared by every subcommand.
type app struct {
	v   *viper.Viper
	log *slog.Logger

	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "diskcache",
		Short:         "Inspect and maintain a persistent memoization cache",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log, err := newLogger(cmd.ErrOrStderr(), a.logLevel, a.logFormat)
			if err != nil {
				return err
			}
			a.log = log
			slog.SetDefault(log)
			return nil
		},
	}

	v, err := config.New()
	if err != nil {
		// Reported when a subcommand runs; the help output still works.
		cmd.PersistentPreRunE = func(*cobra.Command, []string) error { return err }
		v = viper.New()
	}
	a.v = v

	flags := cmd.PersistentFlags()
	flags.String("dir", "", "cache directory (overrides "+config.EnvDir+")")
	flags.String("registry", "", "registry file name (overrides "+config.EnvFileName+")")
	flags.StringVar(&a.logLevel, "log-level", "warn", "log level: debug/info/warn/error")
	flags.StringVar(&a.logFormat, "log-format", "text", "log format: text/json")
	_ = v.BindPFlag(config.KeyDir, flags.Lookup("dir"))
	_ = v.BindPFlag(config.KeyFileName, flags.Lookup("registry"))

	cmd.AddCommand(
		newInfoCmd(a),
		newLsCmd(a),
		newSweepCmd(a),
		newClearCmd(a),
		newMigrateCmd(a),
		newBenchCmd(a),
	)
	return cmd
}

// config resolves the configuration with flags applied.
func (a *app) config() (config.Config, error) {
	return config.FromViper(a.v)
}

// open opens the configured store. Maintenance commands sweep explicitly, so
// the sweep on open is skipped.
func (a *app) open(ctx context.Context) (*cache.Store, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	opt := cache.OptionsFromConfig(cfg)
	opt.Logger = a.log
	opt.SkipSweep = true
	return cache.Open(ctx, opt)
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return nil, errors.Newf("unsupported log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: l}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, errors.Newf("unsupported log format %q", format)
	}
}
