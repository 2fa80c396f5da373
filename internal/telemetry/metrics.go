package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/certbind"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Certificate resolution metrics
	CertificateResolutionsTotal metric.Int64Counter
	CertificateFailuresTotal    metric.Int64Counter
	CertificateLoadDuration     metric.Float64Histogram
	CertificateExpirySeconds    metric.Float64Gauge

	// Store metrics
	StoreCandidatesTotal metric.Int64Counter
	StoreRejectedTotal   metric.Int64Counter

	// Endpoint metrics
	EndpointsBound       metric.Int64UpDownCounter
	EndpointErrorsTotal  metric.Int64Counter
	TLSHandshakeFailures metric.Int64Counter

	// HTTP metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary.
// Instruments bind to the global meter provider, so they are no-ops until
// Init has run.
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	// Certificate resolution metrics
	m.CertificateResolutionsTotal, _ = meter.Int64Counter(
		"certbind.certificates.resolved.total",
		metric.WithDescription("Total number of certificates resolved, by source kind"),
		metric.WithUnit("{certificate}"),
	)

	m.CertificateFailuresTotal, _ = meter.Int64Counter(
		"certbind.certificates.failures.total",
		metric.WithDescription("Total number of certificate resolution failures, by error class"),
		metric.WithUnit("{error}"),
	)

	m.CertificateLoadDuration, _ = meter.Float64Histogram(
		"certbind.certificates.load.duration",
		metric.WithDescription("Duration of loading a single certificate"),
		metric.WithUnit("ms"),
	)

	m.CertificateExpirySeconds, _ = meter.Float64Gauge(
		"certbind.certificates.expiry",
		metric.WithDescription("Seconds until a resolved certificate expires"),
		metric.WithUnit("s"),
	)

	// Store metrics
	m.StoreCandidatesTotal, _ = meter.Int64Counter(
		"certbind.store.candidates.total",
		metric.WithDescription("Total number of store entries matching a subject"),
		metric.WithUnit("{certificate}"),
	)

	m.StoreRejectedTotal, _ = meter.Int64Counter(
		"certbind.store.rejected.total",
		metric.WithDescription("Total number of store entries excluded as invalid"),
		metric.WithUnit("{certificate}"),
	)

	// Endpoint metrics
	m.EndpointsBound, _ = meter.Int64UpDownCounter(
		"certbind.endpoints.bound",
		metric.WithDescription("Number of endpoints currently listening"),
		metric.WithUnit("{endpoint}"),
	)

	m.EndpointErrorsTotal, _ = meter.Int64Counter(
		"certbind.endpoints.errors.total",
		metric.WithDescription("Total number of endpoint binding failures"),
		metric.WithUnit("{error}"),
	)

	m.TLSHandshakeFailures, _ = meter.Int64Counter(
		"certbind.tls.handshake_failures.total",
		metric.WithDescription("Total number of failed TLS handshakes"),
		metric.WithUnit("{handshake}"),
	)

	// HTTP metrics
	m.HTTPRequestsTotal, _ = meter.Int64Counter(
		"certbind.http.requests.total",
		metric.WithDescription("Total number of HTTP requests served"),
		metric.WithUnit("{request}"),
	)

	m.HTTPRequestDuration, _ = meter.Float64Histogram(
		"certbind.http.request.duration",
		metric.WithDescription("Duration of HTTP requests"),
		metric.WithUnit("ms"),
	)

	return m
}
