package httpserver

import (
	"net/http"
	"time"
)

// New builds the API server. Gate middleware buffers request bodies and the
// webhook endpoint caps payloads itself, so generous read timeouts are not
// needed; slow-header clients are cut off early.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
