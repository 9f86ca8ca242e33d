package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Level is read once from SCANLINE_LOG_LEVEL; anything unparsable means debug.
var Level = levelFromEnv()

func levelFromEnv() log.Level {
	lvl, err := log.ParseLevel(strings.ToLower(os.Getenv("SCANLINE_LOG_LEVEL")))
	if err != nil {
		return log.DebugLevel
	}
	return lvl
}

func NewHandler(name string) slog.Handler {
	return NewHandlerTo(os.Stderr, name)
}

// NewHandlerTo is NewHandler with an explicit destination; tests pass a buffer.
func NewHandlerTo(w io.Writer, name string) slog.Handler {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          name,
		Level:           Level,
	})
}

func New(name string) *slog.Logger {
	return slog.New(NewHandler(name))
}

func NewContext(ctx context.Context, name string) context.Context {
	return IntoContext(ctx, New(name))
}

type ctxKey struct{}

// IntoContext adds a logger to a context. Use FromContext to
// pull the logger out.
func IntoContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, or the default slog
// logger when there is none.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// SubLogger derives a logger whose prefix is base's prefix plus "/suffix".
func SubLogger(base *slog.Logger, suffix string) *slog.Logger {
	if cl, ok := base.Handler().(*log.Logger); ok {
		prefix := cl.GetPrefix()
		if prefix != "" {
			prefix = prefix + "/" + suffix
		} else {
			prefix = suffix
		}
		return slog.New(NewHandler(prefix))
	}

	return slog.New(NewHandler(suffix))
}
