package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/fairyhunter13/llm-keyrouter/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields. Logs go
// to stderr; stdout carries job results.
func SetupLogger(cfg config.Config) *slog.Logger {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{}
	// In dev, show debug level; in prod, default to info
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(w, opts)
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
