package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Format names accepted by LOG_FORMAT.
const (
	FormatAuto   = ""
	FormatText   = "text"
	FormatJSON   = "json"
	FormatPretty = "pretty"
)

// Init installs the process-wide slog logger on stderr. LOG_LEVEL selects the
// level (debug/info/warn/error; default info) and LOG_FORMAT the handler
// (text/json/pretty). With no LOG_FORMAT, a terminal gets the pretty handler
// and anything else gets logfmt text.
func Init() {
	slog.SetDefault(New(os.Stderr, os.Getenv("LOG_FORMAT"), parseLevel(os.Getenv("LOG_LEVEL"))))
}

// New builds a logger writing to w in the given format.
func New(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, opts))
	case FormatText:
		return slog.New(slog.NewTextHandler(w, opts))
	case FormatPretty:
		return slog.New(NewPrettyHandler(w, opts, isTerminal(w)))
	default:
		if isTerminal(w) {
			return slog.New(NewPrettyHandler(w, opts, true))
		}
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
