package main

import (
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// newLogger builds the process logger. format "json" or "text" forces a
// handler; otherwise text is used on a terminal and JSON when piped.
func newLogger(level, format string) *slog.Logger {
	options := &slog.HandlerOptions{Level: parseLevel(level)}

	useText := term.IsTerminal(int(os.Stderr.Fd()))
	switch strings.ToLower(format) {
	case "json":
		useText = false
	case "text":
		useText = true
	}

	var handler slog.Handler
	if useText {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
