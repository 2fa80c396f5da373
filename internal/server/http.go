package server

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/certbind/internal/telemetry"
)

func configureHTTPServer(handler http.Handler, errorLog *log.Logger) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
		ErrorLog:          errorLog,
	}
}

// errorWriter routes net/http's internal error log through zerolog and counts
// failed TLS handshakes.
type errorWriter struct {
	log *zerolog.Logger
}

func newErrorLog(logger *zerolog.Logger) *log.Logger {
	return log.New(errorWriter{log: logger}, "", 0)
}

func (w errorWriter) Write(p []byte) (int, error) {
	msg := string(bytes.TrimSpace(p))
	if bytes.Contains(p, []byte("TLS handshake error")) {
		telemetry.GetMetrics().TLSHandshakeFailures.Add(context.Background(), 1)
		w.log.Debug().Msg(msg)
		return len(p), nil
	}
	w.log.Warn().Msg(msg)
	return len(p), nil
}
