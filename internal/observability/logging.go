// Package observability configures the process-wide slog logger and the
// service's Prometheus metrics.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

const instrumentationName = "github.com/florianilch/contextlinker"

// Log exporters understood by Instrument.
const (
	LogExporterNone     = "none"
	LogExporterStdout   = "stdout"
	LogExporterOTLPHTTP = "otlp-http"
	LogExporterOTLPGRPC = "otlp-grpc"
)

// LogOptions selects how the default logger is built.
type LogOptions struct {
	Level  slog.Level
	Format string // text|json, used when Exporter is none
	// Exporter routes records through an OpenTelemetry log pipeline instead of a local handler.
	Exporter string
	Output   io.Writer
}

// ShutdownFunc flushes and releases logging resources.
type ShutdownFunc func(context.Context) error

// Instrument installs the default slog logger. The returned ShutdownFunc must be
// called before exit to flush buffered records.
func Instrument(ctx context.Context, opts LogOptions) (ShutdownFunc, error) {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}

	if opts.Exporter == "" || opts.Exporter == LogExporterNone {
		handler, err := newLocalHandler(opts)
		if err != nil {
			return nil, err
		}
		slog.SetDefault(slog.New(handler))
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newLogExporter(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("creating %s log exporter: %w", opts.Exporter, err)
	}

	// Severity filtering happens before batching so dropped records cost nothing
	processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), severityFor(opts.Level))
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(processor))

	slog.SetDefault(slog.New(otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(provider))))

	return provider.Shutdown, nil
}

func newLocalHandler(opts LogOptions) (slog.Handler, error) {
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}
	switch opts.Format {
	case "", "text":
		return slog.NewTextHandler(opts.Output, handlerOpts), nil
	case "json":
		return slog.NewJSONHandler(opts.Output, handlerOpts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", opts.Format)
	}
}

func newLogExporter(ctx context.Context, opts LogOptions) (sdklog.Exporter, error) {
	switch opts.Exporter {
	case LogExporterStdout:
		return stdoutlog.New(stdoutlog.WithWriter(opts.Output))
	case LogExporterOTLPHTTP:
		// Endpoint and headers come from the standard OTEL_EXPORTER_OTLP_* variables
		return otlploghttp.New(ctx)
	case LogExporterOTLPGRPC:
		return otlploggrpc.New(ctx)
	default:
		return nil, fmt.Errorf("unsupported log exporter: %s", opts.Exporter)
	}
}

// severityFor maps slog levels onto OpenTelemetry severities.
func severityFor(level slog.Level) minsev.Severity {
	switch {
	case level >= slog.LevelError:
		return minsev.SeverityError
	case level >= slog.LevelWarn:
		return minsev.SeverityWarn
	case level >= slog.LevelInfo:
		return minsev.SeverityInfo
	default:
		return minsev.SeverityDebug
	}
}
