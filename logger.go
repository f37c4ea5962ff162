package book

import (
	"log/slog"
	"os"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "tickbook")

// SetLogger allows setting a custom logger
func SetLogger(l *slog.Logger) {
	logger = l
}

// Logger returns the logger shared by the book and its adapters.
func Logger() *slog.Logger {
	return logger
}
