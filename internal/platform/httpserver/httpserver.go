// Package httpserver builds the census API server.
package httpserver

import (
	"net/http"
	"time"
)

// New returns a server for the census API. There is no overall write
// timeout: file ingestion is synchronous on POST /files and a full census
// flush can legitimately run for minutes.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
