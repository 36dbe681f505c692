// Package httpserver builds the HTTP server with this project's defaults.
package httpserver

import (
	"net/http"
	"time"
)

// New returns a server with timeouts suited to the custody API: requests are
// small JSON bodies, and chain reads may wait on a slow ledger gateway.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       time.Minute,
	}
}
