// Package middleware provides reusable HTTP middleware for the pipeline's
// services.
package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	xlog "go.nexum.io/notifier/log"
)

// Logging produces output for the processed HTTP requests.
func Logging(ll xlog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			// Process request
			start := time.Now().UTC()
			lrw := &loggingRW{
				ResponseWriter: w,
				code:           http.StatusOK,
				size:           0,
			}
			next.ServeHTTP(lrw, r)
			lapse := time.Now().UTC().Sub(start)

			// Get message details
			fields := xlog.Fields{
				"user_agent.original":      r.UserAgent(),
				"client.ip":                getIP(r),
				"http.version":             r.Proto,
				"http.request.method":      strings.ToLower(r.Method),
				"http.request.body.bytes":  r.ContentLength,
				"http.response.status":     lrw.code,
				"http.response.body.bytes": lrw.size,
				"duration":                 lapse.String(),
				"duration_ms":              fmt.Sprintf("%.3f", lapse.Seconds()*1000),
			}

			// Log message
			entry := ll.Sub(fields)
			switch {
			case lrw.code >= 500:
				entry.Error(r.URL.String())
			case lrw.code >= 400:
				entry.Warning(r.URL.String())
			default:
				entry.Info(r.URL.String())
			}
		}
		return http.HandlerFunc(fn)
	}
}

// Custom response writer to collect additional details.
type loggingRW struct {
	http.ResponseWriter
	size int
	code int
}

// Hijack keeps connection upgrades (WebSockets) working behind the
// middleware.
func (lrw *loggingRW) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (lrw *loggingRW) WriteHeader(code int) {
	lrw.code = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingRW) Write(content []byte) (int, error) {
	s, err := lrw.ResponseWriter.Write(content)
	if err == nil {
		lrw.size += s
	}
	return s, err
}

func getIP(r *http.Request) (ip string) {
	if forwarded := r.Header.Get("X-Forwarded-For"); len(forwarded) > 0 {
		ip = forwarded
		return
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	return
}
