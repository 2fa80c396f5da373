package commands

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wolfeidau/certbind/internal/endpoints"
	httpmiddleware "github.com/wolfeidau/certbind/internal/http"
	"github.com/wolfeidau/certbind/internal/logger"
	"github.com/wolfeidau/certbind/internal/server"
	"github.com/wolfeidau/certbind/internal/telemetry"
)

type ServeCmd struct {
	ConfigFlags `embed:""`
	StoreFlags  `embed:""`

	MaxConnections  int           `help:"maximum concurrent connections per endpoint, 0 for no limit" default:"0" env:"CERTBIND_MAX_CONNECTIONS"`
	ShutdownTimeout time.Duration `help:"time allowed for active requests to finish on shutdown" default:"10s" env:"CERTBIND_SHUTDOWN_TIMEOUT"`
	TrustProxy      bool          `help:"trust X-Forwarded-For and X-Real-IP for client addresses" default:"false" env:"CERTBIND_TRUST_PROXY"`
	Tracing         bool          `help:"export traces and metrics over OTLP" default:"false" env:"CERTBIND_TRACING"`
	TraceSampleRate float64       `help:"fraction of new traces to sample" default:"1" env:"CERTBIND_TRACE_SAMPLE_RATE"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx = log.WithContext(ctx)

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting certbind")

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.Init(ctx, telemetry.Options{
			ServiceName: "certbind",
			Version:     globals.Version,
			SampleRatio: c.TraceSampleRate,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	root, err := c.Load()
	if err != nil {
		return err
	}

	store, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer store.close()

	var handler http.Handler = newMux(globals.Version)
	handler = logger.HTTPRequests(log)(handler)
	handler = httpmiddleware.ClientIPMiddleware(c.TrustProxy)(handler)
	if c.Tracing {
		handler = otelhttp.NewHandler(handler, "certbind")
	}

	srv := server.New(handler, server.WithMaxConnections(c.MaxConnections))

	resolved, err := endpoints.Bind(ctx, srv, root.Section(endpoints.DefaultSection), resolverFor(root, &c.ConfigFlags, store))
	if err != nil {
		return err
	}
	if len(resolved) == 0 {
		return fmt.Errorf("no endpoints configured under %s", endpoints.DefaultSection)
	}

	return srv.Serve(ctx, c.ShutdownTimeout)
}

func newMux(version string) *http.ServeMux {
	mux := http.NewServeMux()

	// Health check endpoint for load balancer
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if r.TLS != nil {
			_, _ = fmt.Fprintf(w, "certbind %s (%s)\n", version, r.TLS.ServerName)
			return
		}
		_, _ = fmt.Fprintf(w, "certbind %s\n", version)
	})

	return mux
}
