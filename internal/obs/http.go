package obs

import (
	"net/http"
	"strings"
	"time"

	"github.com/kuitang/notesync/internal/logutil"
)

// AccessLogTransport emits one structured event per outbound request.
// Request headers are logged redacted; bodies are never logged.
type AccessLogTransport struct {
	Pkg  string
	Base http.RoundTripper
}

// NewAccessLogTransport wraps base (http.DefaultTransport when nil).
func NewAccessLogTransport(pkg string, base http.RoundTripper) *AccessLogTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &AccessLogTransport{Pkg: pkg, Base: base}
}

func (t *AccessLogTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.Base.RoundTrip(req)
	durMS := float64(time.Since(start).Microseconds()) / 1000.0

	l := From(req.Context()).With("pkg", t.Pkg)
	if err != nil {
		l.Warn(
			"http_request_failed",
			"method", req.Method,
			"path", req.URL.Path,
			"dur_ms", durMS,
			"error", logutil.TruncateForLog(err.Error(), 200),
		)
		return nil, err
	}

	l.Debug(
		"http_access",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"dur_ms", durMS,
		"req_bytes", max(req.ContentLength, 0),
		"resp_bytes", max(resp.ContentLength, 0),
		"headers", logutil.FormatHeadersForLog(req.Header),
		"request_id", strings.TrimSpace(resp.Header.Get("X-Github-Request-Id")),
	)
	return resp, nil
}
