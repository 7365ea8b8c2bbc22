package main

import (
	"os"
	"runtime"

	"github.com/stealth-dispatcher/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

func main() {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "stealthd",
		Short:         "Paced request dispatcher over a rotating proxy pool",
		Long:          "stealthd sends HTTP requests through a health-tracked proxy pool with rotating credentials, keeping traffic inside hourly and per-session budgets.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "config file (JSON, YAML or TOML)")

	load := func() (*config.Config, error) {
		path := configPath
		if _, err := os.Stat(path); err != nil && !rootCmd.PersistentFlags().Changed("config") {
			// the default file is optional; an explicit one is not
			path = ""
		}
		cfg, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		setupLogging(cfg.Logging)
		return cfg, nil
	}

	rootCmd.AddCommand(
		newServeCmd(load),
		newRunCmd(load),
		newProbeCmd(load),
		newReportCmd(load),
	)

	return rootCmd
}

func setupLogging(cfg config.LoggingConfig) {
	if cfg.Format == "text" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if level, err := log.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	} else {
		log.Warnf("Unknown log level %q, keeping info", cfg.Level)
	}
	log.Debugf("GOMAXPROCS=%d", runtime.GOMAXPROCS(0))
}
