package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	setupLogging()

	root := &cobra.Command{
		Use:           "gradhubd",
		Short:         "Byzantine-tolerant synchronous distributed gradient aggregation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file")
	root.AddCommand(newCoordinatorCmd(), newWorkerCmd(), newLocalCmd())

	if err := root.Execute(); err != nil {
		slog.Error("gradhubd failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging() {
	var logLevel slog.Level
	if _, isSet := os.LookupEnv("DEV_MODE"); isSet {
		logLevel = slog.LevelDebug
	} else {
		logLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}
