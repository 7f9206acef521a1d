package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/paleumm/zanim/pkg/config"
)

// configureLogger creates the logger for a command. --log-level takes
// precedence, then --verbose, then the configured level. Output goes to the
// command's error stream.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	level := cfg.LogLevel
	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		level = flag
	} else if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}

	logger, err := (&config.Config{LogLevel: level}).NewLogger()
	if err != nil {
		return nil, err
	}
	logger.SetOutput(cmd.ErrOrStderr())
	return logger, nil
}

// quietLogger only reports warnings and errors unless --log-level asks for more
func quietLogger(cmd *cobra.Command) (*logrus.Logger, error) {
	return configureLogger(cmd, &config.Config{LogLevel: "warn"})
}
