package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/kstaniek/go-uart-bridge/internal/logging"
)

func setupLogger(format, level string, roles []string) *slog.Logger {
	lvl, err := logging.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	l := logging.New(format, lvl, os.Stderr).With("app", "uart-bridge", "role", strings.Join(roles, ","))
	logging.Set(l)
	return l
}
