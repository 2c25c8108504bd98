// Package tracing sets up OpenTelemetry spans for ticks and tasks.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	logx "slotkeeper/pkg/logx"
)

type Config struct {
	Enabled  bool
	Exporter string // "stdout" or "none"
	// Path receives stdout-exporter output; empty means stderr.
	Path        string
	SampleRatio float64

	ServiceName    string
	ServiceVersion string

	// Writer overrides Path.
	Writer io.Writer
}

// Provider owns the SDK tracer provider and its output file.
type Provider struct {
	tp   *sdktrace.TracerProvider
	file *os.File
	log  logx.Logger
}

// Init builds a provider. Disabled tracing yields a no-op provider.
func Init(ctx context.Context, cfg Config, log logx.Logger) (*Provider, error) {
	p := &Provider{log: log.With(logx.String("comp", "tracing"))}
	exp := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if !cfg.Enabled || exp == "none" {
		return p, nil
	}
	if exp != "" && exp != "stdout" {
		return nil, fmt.Errorf("tracing: unknown exporter %q", cfg.Exporter)
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stderr
		if cfg.Path != "" {
			f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("tracing: open %s: %w", cfg.Path, err)
			}
			p.file, w = f, f
		}
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		p.closeFile()
		return nil, fmt.Errorf("tracing: exporter: %w", err)
	}
	name := cfg.ServiceName
	if name == "" {
		name = "slotkeeper"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", name),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		p.closeFile()
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}

	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	p.log.Info("tracing enabled", logx.String("exporter", "stdout"), logx.String("path", cfg.Path), logx.Float64("sample_ratio", cfg.SampleRatio))
	return p, nil
}

// sampler treats 0 as "always"; an explicit ratio in (0,1) samples by trace id.
func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func (p *Provider) Enabled() bool { return p != nil && p.tp != nil }

func (p *Provider) TracerProvider() trace.TracerProvider {
	if !p.Enabled() {
		return noop.NewTracerProvider()
	}
	return p.tp
}

func (p *Provider) Tracer(name string) trace.Tracer {
	return p.TracerProvider().Tracer(name)
}

// Install makes p the global provider.
func (p *Provider) Install() {
	otel.SetTracerProvider(p.TracerProvider())
}

// Shutdown flushes pending spans and closes the output file.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := p.tp.Shutdown(sctx)
	p.closeFile()
	if err != nil {
		return fmt.Errorf("tracing: shutdown: %w", err)
	}
	return nil
}

func (p *Provider) closeFile() {
	if p.file != nil {
		_ = p.file.Close()
		p.file = nil
	}
}
