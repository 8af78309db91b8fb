package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "codeatlas"
	meterName  = "codeatlas"
)

// Config selects log format and whether metrics are exported
type Config struct {
	ServiceName   string
	LogLevel      string
	LogJSON       bool
	MetricsListen string // host:port for /metrics; empty disables export
}

// Providers bundles what Init set up
type Providers struct {
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *Metrics

	// Handler serves the Prometheus scrape endpoint; nil when export is off
	Handler http.Handler

	shutdown []func(context.Context) error
}

// Init builds the logger, a local tracer provider whose span ids feed the
// logger, and the metric instruments. Metrics go to a Prometheus registry when
// cfg.MetricsListen is set and to the no-op provider otherwise.
func Init(cfg Config, logOut io.Writer, mode Mode) (*Providers, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = tracerName
	}
	p := &Providers{Logger: NewLogger(cfg, logOut, mode)}

	tp := sdktrace.NewTracerProvider()
	p.shutdown = append(p.shutdown, tp.Shutdown)
	otel.SetTracerProvider(tp)
	p.Tracer = tp.Tracer(tracerName)

	var mp metric.MeterProvider = noopmetric.NewMeterProvider()
	if cfg.MetricsListen != "" {
		registry := prometheus.NewRegistry()
		exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		sdkmp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		p.shutdown = append(p.shutdown, sdkmp.Shutdown)
		p.Handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		mp = sdkmp
	}
	otel.SetMeterProvider(mp)

	m, err := NewMetrics(mp.Meter(meterName))
	if err != nil {
		return nil, err
	}
	p.Metrics = m
	return p, nil
}

// Shutdown flushes and releases providers
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// ServeMetrics serves the scrape endpoint on addr until ctx ends
func (p *Providers) ServeMetrics(ctx context.Context, addr string) error {
	if p.Handler == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	p.Logger.Info("serving metrics", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}
	return nil
}
