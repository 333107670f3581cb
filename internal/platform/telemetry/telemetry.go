// Package telemetry sets up the OpenTelemetry meter provider and the HTTP
// server metrics middleware.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config holds the meter provider settings.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// Interval between periodic exports; zero means one minute.
	Interval time.Duration
	// Writer receives the exported metrics; nil means stdout.
	Writer io.Writer
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "ppc-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Writer == nil {
		c.Writer = os.Stdout
	}
}

// Resource builds the service resource attached to every metric.
func Resource(cfg Config) *resource.Resource {
	cfg.applyDefaults()
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	)
}

// NewMeterProvider creates a meter provider that periodically writes metrics
// as JSON to cfg.Writer and registers it as the global provider. Callers
// must Shutdown it to flush the last interval.
func NewMeterProvider(cfg Config) (*sdkmetric.MeterProvider, error) {
	cfg.applyDefaults()

	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Writer))
	if err != nil {
		return nil, fmt.Errorf("create stdout metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(Resource(cfg)),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.Interval))),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}

// HTTPMetrics records request duration and in-flight requests.
type HTTPMetrics struct {
	duration metric.Float64Histogram
	active   metric.Int64UpDownCounter
}

// NewHTTPMetrics registers the HTTP server instruments on mp.
func NewHTTPMetrics(mp metric.MeterProvider) (*HTTPMetrics, error) {
	meter := mp.Meter("github.com/ppc/ppc/internal/platform/telemetry")

	duration, err := meter.Float64Histogram("http.server.request.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of HTTP server requests."),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	active, err := meter.Int64UpDownCounter("http.server.active_requests",
		metric.WithDescription("Number of in-flight HTTP server requests."),
	)
	if err != nil {
		return nil, fmt.Errorf("create active requests counter: %w", err)
	}
	return &HTTPMetrics{duration: duration, active: active}, nil
}

// Middleware records one duration sample per request labelled by method,
// route template and status code.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			m.active.Add(ctx, 1)
			defer m.active.Add(ctx, -1)

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}

			m.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
				attribute.String("http.request.method", c.Request().Method),
				attribute.String("http.route", route),
				attribute.String("http.response.status_code", strconv.Itoa(status)),
			))
			return err
		}
	}
}

// Shutdown flushes and stops mp, bounded by timeout.
func Shutdown(mp *sdkmetric.MeterProvider, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return mp.Shutdown(ctx)
}
