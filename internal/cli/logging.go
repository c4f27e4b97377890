package cli

import (
	"io"
	"log/slog"
	"strings"

	"github.com/singlestore-labs/mcp-oauth/internal/config"
)

// newLogger builds the process logger. Settings are already validated, so
// an unknown level falls back to info.
func newLogger(s *config.Settings, w io.Writer) *slog.Logger {
	level, _ := config.ParseLogLevel(s.LogLevel)
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(s.LogFormat, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With("transport", string(s.Transport))
}
