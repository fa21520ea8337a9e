// Package httpserver owns the http.Server defaults so cmd/server stays a
// pure wiring file.
package httpserver

import (
	"net/http"
	"time"
)

const (
	readHeaderTimeout = 5 * time.Second
	idleTimeout       = 2 * time.Minute
)

// New builds the listener for the identity endpoints. Per-request deadlines
// come from the timeout middleware, so only connection-level limits live
// here.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
}
