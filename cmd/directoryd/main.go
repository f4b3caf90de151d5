// Command directoryd runs the Directory Broker (C4) as a standalone
// foreground process: two listening SOCK_SEQPACKET sockets for interface
// advertise/open rendezvous, a watchdog manager whose expiries are logged
// and counted (nothing in this process registers clients with it), and an
// optional OTLP trace exporter.
//
// Usage:
//
//	go run ./cmd/directoryd                          # default socket paths
//	go run ./cmd/directoryd -offers /run/legato/offers.sock -opens /run/legato/opens.sock
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/legato-project/messaging/atomicfile"
	"github.com/legato-project/messaging/config"
	"github.com/legato-project/messaging/directory"
	"github.com/legato-project/messaging/observability"
	"github.com/legato-project/messaging/watchdog"
)

// stdLogger implements eventloop.Logger (and directory/watchdog's Logger
// requirement, the same interface) using the standard library log package.
type stdLogger struct{}

func (l *stdLogger) Debug(msg string, keysAndValues ...any) {
	log.Printf("[DEBUG] %s %v", msg, keysAndValues)
}

func (l *stdLogger) Info(msg string, keysAndValues ...any) {
	log.Printf("[INFO] %s %v", msg, keysAndValues)
}

func (l *stdLogger) Warn(msg string, keysAndValues ...any) {
	log.Printf("[WARN] %s %v", msg, keysAndValues)
}

func (l *stdLogger) Error(msg string, keysAndValues ...any) {
	log.Printf("[ERROR] %s %v", msg, keysAndValues)
}

func main() {
	defaults := config.DefaultConfig()

	offers := flag.String("offers", defaults.OffersSocketPath, "advertise-side control socket path")
	opens := flag.String("opens", defaults.OpensSocketPath, "open-side control socket path")
	backlog := flag.Int("backlog", defaults.AcceptBacklog, "accept backlog for both control sockets")
	traceEndpoint := flag.String("trace-endpoint", "", "OTLP gRPC collector endpoint (empty disables tracing)")
	flag.Parse()

	logger := &stdLogger{}
	logger.Info("directoryd_starting", "offers", *offers, "opens", *opens)

	if *traceEndpoint != "" {
		shutdown, err := observability.InitTracer("legato-directoryd", *traceEndpoint)
		if err != nil {
			log.Fatalf("failed to init tracer: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}()
		logger.Info("tracing_enabled", "endpoint", *traceEndpoint)
	}

	for _, dir := range []string{socketDir(*offers), socketDir(*opens)} {
		if err := atomicfile.RestoreBackups(dir); err != nil {
			logger.Warn("restore_backups_failed", "dir", dir, "error", err.Error())
		}
	}

	b, err := directory.New(directory.Config{
		OffersSocketPath: *offers,
		OpensSocketPath:  *opens,
		Backlog:          *backlog,
	}, logger)
	if err != nil {
		log.Fatalf("failed to start directory broker: %v", err)
	}

	wd := watchdog.New(watchdog.Config{}, func(id watchdog.ClientID) {
		logger.Warn("watchdog_client_expired", "app_id", id.AppID, "pid", id.PID)
		observability.RecordWatchdogExpiry(id.AppID)
	}, logger)
	wd.Start()

	// Both sockets are bound at this point (directory.New already succeeded);
	// a supervisor waiting on EOF from our inherited fd 0 can now proceed.
	b.SignalReady()

	go b.Run()
	logger.Info("directoryd_ready", "offers", *offers, "opens", *opens)
	fmt.Printf("\nLegato Directory Broker running: offers=%s opens=%s\n", *offers, *opens)
	fmt.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown_signal_received", "signal", sig.String())

	wd.Stop()
	b.Stop()
	logger.Info("directoryd_stopped")
}

func socketDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
