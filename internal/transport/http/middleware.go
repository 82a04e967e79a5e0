package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/mssola/useragent"
)

// ClientInfo is the parsed user agent of the calling device, recorded on
// verification attempts.
type ClientInfo struct {
	Raw     string
	Browser string
	OS      string
	Mobile  bool
	Bot     bool
}

type contextKeyClientInfo struct{}

// ClientInfoFrom returns the parsed user agent captured by the middleware, or
// the zero value when the request carried none.
func ClientInfoFrom(ctx context.Context) ClientInfo {
	info, _ := ctx.Value(contextKeyClientInfo{}).(ClientInfo)
	return info
}

// captureUserAgent parses the User-Agent header once per request and stashes
// the result for the attempt audit trail.
func captureUserAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.UserAgent()
		info := ClientInfo{Raw: raw}
		if raw != "" {
			ua := useragent.New(raw)
			name, version := ua.Browser()
			info.Browser = name + " " + version
			info.OS = ua.OS()
			info.Mobile = ua.Mobile()
			info.Bot = ua.Bot()
		}
		ctx := context.WithValue(r.Context(), contextKeyClientInfo{}, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogger emits one structured line per request.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", chimiddleware.GetReqID(r.Context()),
			)
		})
	}
}
