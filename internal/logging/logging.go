// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gmsas95/dosekeeper/internal/config"
)

// New builds a zap logger for cfg. The returned level can be changed at
// runtime, e.g. when the config file is reloaded.
func New(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	atom := zap.NewAtomicLevelAt(level)
	zapCfg.Level = atom
	output := cfg.OutputPath
	if output == "" {
		output = "stderr"
	}
	zapCfg.OutputPaths = []string{output}
	zapCfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := zapCfg.Build(
		zap.WithCaller(true),
		// Stack traces for errors and above
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("building logger: %w", err)
	}

	return logger, atom, nil
}

// SetLevel applies a textual level to atom, keeping the current one when
// the text does not parse.
func SetLevel(atom zap.AtomicLevel, text string) error {
	level, err := zapcore.ParseLevel(text)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", text, err)
	}
	atom.SetLevel(level)
	return nil
}
