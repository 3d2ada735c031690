// Package cli implements the inspectd command line.
package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inspectd/inspectd/internal/daemon"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "inspectd",
	Short: "Visual anomaly inspection server",
	Long: `inspectd routes images to pre-trained anomaly-detection models
(padim, patchcore or both as "hybrid") and returns a NORMAL/ANOMALY
label with a score. Models live under <models root>/<item>/<kind>/.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $INSPECTD_HOME/config.toml)")
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// loadConfig reads --config (or the default path) and applies models-dir
// from the command's flags when the command defines one.
func loadConfig(cmd *cobra.Command) (daemon.Config, error) {
	path := configPath
	if path == "" {
		path = daemon.ConfigPath()
	}
	cfg, err := daemon.LoadConfig(path)
	if err != nil {
		return cfg, err
	}
	if f := cmd.Flags().Lookup("models-dir"); f != nil && f.Changed {
		cfg.Models.Root = f.Value.String()
	}
	return cfg, nil
}

// quietLogger is used by one-shot commands so log lines don't mix with
// command output.
func quietLogger(cfg daemon.Config) *logrus.Logger {
	log := daemon.NewLogger(cfg.Log)
	if log.GetLevel() > logrus.WarnLevel {
		log.SetLevel(logrus.WarnLevel)
	}
	return log
}

func printf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, format, args...)
}
