package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/CommandOSSLabs/personal-data-wallet-sub016/pkg/config"
)

// app carries the state shared by every subcommand once the root
// PersistentPreRunE has run.
type app struct {
	cfgFile string
	verbose bool

	v   *viper.Viper
	cfg *config.Config
	log *zap.Logger

	// flag name -> config key, bound after the subcommand's flags are parsed
	bindings map[string]string
}

// bind maps a command flag onto a config key so an explicit flag wins over
// file and environment.
func (a *app) bind(flag, key string) {
	if a.bindings == nil {
		a.bindings = make(map[string]string)
	}
	a.bindings[flag] = key
}

// init loads and validates configuration and builds the logger.
func (a *app) init(cmd *cobra.Command) error {
	a.v = config.NewViper(a.cfgFile)
	for flag, key := range a.bindings {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := a.v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind --%s: %w", flag, err)
			}
		}
	}
	if err := config.ReadFile(a.v); err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	cfg, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	log, err := newLogger(cfg.Log, a.verbose)
	if err != nil {
		return fmt.Errorf("setting up logger: %w", err)
	}
	a.log = log
	if f := a.v.ConfigFileUsed(); f != "" {
		a.log.Debug("using config file", zap.String("file", f))
	}
	return nil
}

// validate logs warnings and fails on any error-severity issue.
func (a *app) validate() error {
	issues := config.Validate(a.cfg)
	for _, issue := range issues {
		switch issue.Severity {
		case config.Error:
			a.log.Error("invalid configuration", zap.String("issue", issue.String()))
		case config.Warning:
			a.log.Warn("configuration warning", zap.String("issue", issue.String()))
		default:
			a.log.Debug("configuration note", zap.String("issue", issue.String()))
		}
	}
	if config.HasErrors(issues) {
		return fmt.Errorf("configuration has errors, run 'pdw-index validate' for details")
	}
	return nil
}

func (a *app) sync() {
	if a.log != nil {
		_ = a.log.Sync()
	}
}

// newLogger builds a production logger, or a development one for the
// console format. verbose forces debug level.
func newLogger(lc config.LogConfig, verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if lc.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}

	level := zapcore.InfoLevel
	if lc.Level != "" {
		if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", lc.Level, err)
		}
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	log, err := zc.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logger: %v\n", err)
		return nil, err
	}
	return log, nil
}
