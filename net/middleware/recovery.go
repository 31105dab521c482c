package middleware

import (
	"net/http"

	xlog "go.nexum.io/notifier/log"
)

// Recovery allows the server to convert unhandled panic events into an
// `internal server error`. This will prevent the server from crashing if
// a handler produces a `panic` operation.
func Recovery(ll xlog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					ll.WithField("panic", v).Error("recovered handler panic")
					w.WriteHeader(http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}
