// Command moduprompt-daemon runs the ModuPrompt event-sourced state
// service: it loads configuration, opens the event store, wires the
// command pipeline and broadcast bus, and serves HTTP and stdio
// transports until signalled to stop. Process management (spawning this
// binary, writing a runtime descriptor file, resolving OS directories) is
// the responsibility of an external launcher, not this binary.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/devguyrash/moduprompt/internal/config"
	"github.com/devguyrash/moduprompt/internal/eventbus"
	"github.com/devguyrash/moduprompt/internal/eventstore"
	"github.com/devguyrash/moduprompt/internal/kernel"
	"github.com/devguyrash/moduprompt/internal/pipeline"
	"github.com/devguyrash/moduprompt/internal/rpc"
	"github.com/devguyrash/moduprompt/internal/schema"
	"github.com/devguyrash/moduprompt/internal/subscription"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	dbPath := flag.String("db", "", "override db-path from config")
	httpAddr := flag.String("http-addr", "", "override http-addr from config")
	token := flag.String("token", "", "bearer token; random if empty")
	safeMode := flag.Bool("safe-mode", false, "suppress writes and projection rebuild")
	stdio := flag.Bool("stdio", false, "also serve the stdio frame loop over stdin/stdout")
	schemaDir := flag.String("schema-dir", "", "development only: watch this directory of schema documents and recompile on change")
	printConfig := flag.Bool("print-config", false, "print the effective configuration as YAML and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("moduprompt-daemon: %v", err)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *safeMode {
		cfg.SafeMode = true
	}
	if cfg.Token == "" {
		cfg.Token = *token
	}
	if cfg.Token == "" {
		generated, err := randomToken()
		if err != nil {
			log.Fatalf("moduprompt-daemon: generate token: %v", err)
		}
		cfg.Token = generated
	}

	if *printConfig {
		data, err := cfg.YAML()
		if err != nil {
			log.Fatalf("moduprompt-daemon: %v", err)
		}
		fmt.Print(string(data))
		return
	}

	tracerShutdown, err := setupTracing()
	if err != nil {
		log.Fatalf("moduprompt-daemon: tracing setup: %v", err)
	}
	defer tracerShutdown()

	metricsShutdown, err := setupMetrics()
	if err != nil {
		log.Fatalf("moduprompt-daemon: metrics setup: %v", err)
	}
	defer metricsShutdown()

	registry, err := schema.Load()
	if err != nil {
		log.Fatalf("moduprompt-daemon: schema load: %v", err)
	}

	if *schemaDir != "" {
		watcher, err := schema.WatchDir(*schemaDir, registry)
		if err != nil {
			log.Fatalf("moduprompt-daemon: schema watch: %v", err)
		}
		defer watcher.Close()
	}

	store, err := eventstore.Open(cfg.DBPath, kernel.SystemClock{})
	if err != nil {
		log.Fatalf("moduprompt-daemon: open store: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !cfg.SafeMode {
		if err := store.Rebuild(ctx); err != nil {
			log.Fatalf("moduprompt-daemon: projection rebuild: %v", err)
		}
	}

	bus := eventbus.NewWithCapacity(cfg.BroadcastCapacity)
	hub := subscription.New(store, bus)
	pl := pipeline.New(store, registry, bus,
		pipeline.WithSafeMode(cfg.SafeMode),
		pipeline.WithRejectionDetails(cfg.IncludeRejectionDetails),
	)

	httpServer := rpc.NewHTTPServer(cfg.HTTPAddr, cfg.Token, pl, store, hub, cfg.MaxConnections)
	bus.Register(rpc.NewEventHandler(httpServer.Metrics()))

	log.Printf("moduprompt-daemon: listening on %s (db=%s safe_mode=%v)", cfg.HTTPAddr, cfg.DBPath, cfg.SafeMode)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Start(ctx); err != nil {
			log.Printf("moduprompt-daemon: http server: %v", err)
		}
	}()

	if *stdio {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stdioServer := rpc.NewStdioServer(pl, store, hub, rpc.AuthToken, cfg.Token)
			conn := rpc.NewStdInOutCloser(os.Stdin, os.Stdout)
			if err := stdioServer.Serve(ctx, conn); err != nil {
				log.Printf("moduprompt-daemon: stdio server: %v", err)
			}
		}()
	}

	wg.Wait()
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func setupTracing() (func(), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func() { _ = tp.Shutdown(context.Background()) }, nil
}

// setupMetrics wires the request/connection counters recorded by
// internal/rpc.Metrics to a periodic stdout exporter, so the observations
// behind /v1/daemon/metrics are also exported through OTel.
func setupMetrics() (func(), error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(60*time.Second))),
	)
	otel.SetMeterProvider(mp)
	return func() { _ = mp.Shutdown(context.Background()) }, nil
}
