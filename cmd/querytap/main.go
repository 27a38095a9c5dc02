// Query instrumentation replay tool
// Reads a recorded-event scenario and drives it through the subscription,
// classification, and reporting pipeline, emitting signals via the OTel SDK
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andrewh/querytap/pkg/dbtrace"
	"github.com/andrewh/querytap/pkg/eventbus"
	"github.com/andrewh/querytap/pkg/otelreport"
	"github.com/andrewh/querytap/pkg/replay"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "querytap",
		Short:        "Database query instrumentation replay tool",
		SilenceUsage: true,
	}

	root.AddCommand(replayCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(versionCmd())

	return root
}

type replayOptions struct {
	endpoint string
	stdout   bool
	protocol string
	interval time.Duration
}

func replayCmd() *cobra.Command {
	var opts replayOptions

	cmd := &cobra.Command{
		Use:   "replay <scenario.yaml>",
		Short: "Replay recorded query events through the instrumentation pipeline",
		Long: "Replay recorded query events through the instrumentation pipeline.\n\n" +
			"Each event is published to the in-process bus exactly as the ORM would\n" +
			"emit it; spans, metrics, and trace segments go out via the OTel SDK.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing scenario file\n\nUsage: querytap replay <scenario.yaml>")
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.endpoint, "endpoint", "", "OTLP endpoint (e.g. localhost:4318)")
	cmd.Flags().BoolVar(&opts.stdout, "stdout", false, "emit signals to stdout as JSON")
	cmd.Flags().StringVar(&opts.protocol, "protocol", "http/protobuf", "OTLP protocol (http/protobuf or grpc)")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "pause between published events (e.g. 10ms)")

	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <scenario.yaml>",
		Short: "Parse and validate a replay scenario",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing scenario file\n\nUsage: querytap validate <scenario.yaml>")
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := replay.LoadConfig(args[0])
			if err != nil {
				return err
			}
			if err := replay.ValidateConfig(cfg); err != nil {
				return err
			}
			subCfg, err := dbtrace.ExtractConfig(cfg.Application, cfg.RepoSpecs(),
				dbtrace.StaticFeatures{Instrumentation: true, SQLCollection: cfg.CollectSQL})
			if err != nil {
				return err
			}
			repoLabel := "repos"
			if len(subCfg.RepoConfigs) == 1 {
				repoLabel = "repo"
			}
			eventLabel := "events"
			if len(cfg.Events) == 1 {
				eventLabel = "event"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Scenario valid: %d %s, %d %s\n\nSubscribed event names:\n",
				len(subCfg.RepoConfigs), repoLabel, len(cfg.Events), eventLabel)
			for _, ev := range subCfg.Events {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", ev)
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "querytap %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}

// replayStats is printed as JSON to stderr after a replay run.
type replayStats struct {
	Events    int   `json:"events"`
	Published int   `json:"published"`
	ElapsedMs int64 `json:"elapsed_ms"`
}

const (
	shutdownTimeout     = 5 * time.Second
	connectCheckTimeout = 2 * time.Second
	defaultHTTPPort     = "4318"
	defaultGRPCPort     = "4317"
)

func checkEndpoint(endpoint, protocol, scenarioPath string) error {
	host := endpoint
	if host == "" {
		port := defaultHTTPPort
		if protocol == "grpc" {
			port = defaultGRPCPort
		}
		host = "localhost:" + port
	} else if _, _, err := net.SplitHostPort(host); err != nil {
		port := defaultHTTPPort
		if protocol == "grpc" {
			port = defaultGRPCPort
		}
		host = net.JoinHostPort(host, port)
	}

	conn, err := net.DialTimeout("tcp", host, connectCheckTimeout)
	if err != nil {
		return fmt.Errorf("cannot reach OTLP collector at %s\n\n"+
			"To emit signals as JSON to the terminal, use --stdout:\n"+
			"  querytap replay --stdout %s\n\n"+
			"To send to a specific collector, use --endpoint:\n"+
			"  querytap replay --endpoint collector.example.com:4318 %s", host, scenarioPath, scenarioPath)
	}
	_ = conn.Close()
	return nil
}

func runReplay(ctx context.Context, scenarioPath string, opts replayOptions) error {
	cfg, err := replay.LoadConfig(scenarioPath)
	if err != nil {
		return err
	}
	if err := replay.ValidateConfig(cfg); err != nil {
		return err
	}

	if opts.protocol != "http/protobuf" && opts.protocol != "grpc" {
		return fmt.Errorf("unsupported protocol %q, supported: http/protobuf, grpc", opts.protocol)
	}
	if !opts.stdout {
		if err := checkEndpoint(opts.endpoint, opts.protocol, scenarioPath); err != nil {
			return err
		}
	}

	features := dbtrace.StaticFeatures{
		Instrumentation: !cfg.DisableInstrumentation,
		SQLCollection:   cfg.CollectSQL,
	}
	subCfg, err := dbtrace.ExtractConfig(cfg.Application, cfg.RepoSpecs(), features)
	if err != nil {
		return err
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.Application),
		attribute.String("querytap.version", version),
	))
	if err != nil {
		return fmt.Errorf("creating resource: %w", err)
	}

	tp, mp, lp, shutdown, err := createProviders(ctx, opts, res)
	if err != nil {
		return err
	}
	defer shutdown()

	reporter, err := otelreport.New(tp, mp, lp)
	if err != nil {
		return fmt.Errorf("creating reporter: %w", err)
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	bus := eventbus.NewInMemoryBus()

	sub, err := dbtrace.NewSubscriber(subCfg, bus, reporter, features, logger).Start()
	if err != nil {
		return err
	}
	defer sub.Stop()

	// Repo name → event name, so each recorded event publishes under the
	// name its repo is subscribed to.
	eventNames := make(map[string]string, len(cfg.Repos))
	for i, repo := range cfg.Repos {
		eventNames[repo.Name] = subCfg.Events[i]
	}

	// Handle OS signals for graceful shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := replayStats{Events: len(cfg.Events)}
	startTime := time.Now()

	for _, ev := range cfg.Events {
		select {
		case <-ctx.Done():
			stats.ElapsedMs = time.Since(startTime).Milliseconds()
			return json.NewEncoder(os.Stderr).Encode(stats)
		default:
		}

		duration, err := ev.QueryDuration()
		if err != nil {
			return err
		}

		bus.Publish(eventNames[ev.Repo],
			eventbus.Measurements{QueryTimeNanos: duration.Nanoseconds()},
			ev.Metadata(),
			eventbus.TraceContext{ParentSpanID: ev.ParentSpan},
		)
		stats.Published++

		if opts.interval > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(opts.interval):
			}
		}
	}

	stats.ElapsedMs = time.Since(startTime).Milliseconds()
	return json.NewEncoder(os.Stderr).Encode(stats)
}

// createProviders builds the trace, metric, and log providers for the
// selected export mode, plus a single shutdown function draining all three
// within a timeout.
func createProviders(ctx context.Context, opts replayOptions, res *resource.Resource) (*sdktrace.TracerProvider, *sdkmetric.MeterProvider, *sdklog.LoggerProvider, func(), error) {
	traceExp, err := createTraceExporter(ctx, opts)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	metricExp, err := createMetricExporter(ctx, opts)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("creating metric exporter: %w", err)
	}
	logExp, err := createLogExporter(ctx, opts)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("creating log exporter: %w", err)
	}

	var sp sdktrace.SpanProcessor
	var logProcessor sdklog.Processor
	if opts.stdout {
		sp = sdktrace.NewSimpleSpanProcessor(traceExp)
		logProcessor = sdklog.NewSimpleProcessor(logExp)
	} else {
		sp = sdktrace.NewBatchSpanProcessor(traceExp)
		logProcessor = sdklog.NewBatchProcessor(logExp)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sp),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(logProcessor),
		sdklog.WithResource(res),
	)

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "error shutting down tracer provider: %v\n", err)
		}
		if err := mp.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "error shutting down meter provider: %v\n", err)
		}
		if err := lp.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "error shutting down logger provider: %v\n", err)
		}
	}
	return tp, mp, lp, shutdown, nil
}

func createTraceExporter(ctx context.Context, opts replayOptions) (sdktrace.SpanExporter, error) {
	if opts.stdout {
		return stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
	}
	switch opts.protocol {
	case "grpc":
		var grpcOpts []otlptracegrpc.Option
		if opts.endpoint != "" {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithEndpoint(opts.endpoint), otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, grpcOpts...)
	default:
		var httpOpts []otlptracehttp.Option
		if opts.endpoint != "" {
			httpOpts = append(httpOpts, otlptracehttp.WithEndpoint(opts.endpoint), otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, httpOpts...)
	}
}

func createMetricExporter(ctx context.Context, opts replayOptions) (sdkmetric.Exporter, error) {
	if opts.stdout {
		return stdoutmetric.New(stdoutmetric.WithWriter(os.Stdout))
	}
	switch opts.protocol {
	case "grpc":
		var grpcOpts []otlpmetricgrpc.Option
		if opts.endpoint != "" {
			grpcOpts = append(grpcOpts, otlpmetricgrpc.WithEndpoint(opts.endpoint), otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, grpcOpts...)
	default:
		var httpOpts []otlpmetrichttp.Option
		if opts.endpoint != "" {
			httpOpts = append(httpOpts, otlpmetrichttp.WithEndpoint(opts.endpoint), otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, httpOpts...)
	}
}

func createLogExporter(ctx context.Context, opts replayOptions) (sdklog.Exporter, error) {
	if opts.stdout {
		return stdoutlog.New(stdoutlog.WithWriter(os.Stdout))
	}
	switch opts.protocol {
	case "grpc":
		var grpcOpts []otlploggrpc.Option
		if opts.endpoint != "" {
			grpcOpts = append(grpcOpts, otlploggrpc.WithEndpoint(opts.endpoint), otlploggrpc.WithInsecure())
		}
		return otlploggrpc.New(ctx, grpcOpts...)
	default:
		var httpOpts []otlploghttp.Option
		if opts.endpoint != "" {
			httpOpts = append(httpOpts, otlploghttp.WithEndpoint(opts.endpoint), otlploghttp.WithInsecure())
		}
		return otlploghttp.New(ctx, httpOpts...)
	}
}
