package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// setupLogging installs a JSON slog handler as the default logger.
func setupLogging(cmd *cobra.Command, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if raw, err := cmd.Flags().GetString("log-level"); err == nil {
		switch strings.ToLower(raw) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// loadDotEnv reads .env when present.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}
}
