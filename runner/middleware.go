package runner

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RequestLogger logs one line per request, keyed by the matched route so
// that pipeline ids do not fan out into distinct paths. Server errors are
// logged at warn.
func (r *Runner) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)

		next.ServeHTTP(ww, req)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		attrs := []any{
			slog.String("method", req.Method),
			slog.String("route", routePattern(req)),
			slog.Int("status", status),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
		}
		if id := chi.URLParam(req, "id"); id != "" {
			attrs = append(attrs, slog.String("pipeline", id))
		}
		if repo := req.Header.Get("X-Repo-Url"); repo != "" {
			attrs = append(attrs, slog.String("repo", repo))
		}

		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}

		r.l.LogAttrs(req.Context(), level, "", slog.Group("request", attrs...))
	})
}

func routePattern(req *http.Request) string {
	if rctx := chi.RouteContext(req.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
