package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelrelay/modelrelay/internal/app"
)

// version is set at build time via -ldflags.
var version = "dev"

// Process exit statuses. 130 follows the shell convention for an
// interrupt-initiated stop.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitRuntimeFatal = 2
	exitSignal       = 130
)

// runHealthCheck performs an HTTP health check against the given address.
// Used as the Docker HEALTHCHECK command (distroless has no curl).
func runHealthCheck(addr string) error {
	resp, err := http.Get(fmt.Sprintf("http://localhost%s/health", addr))
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := app.DefaultOptions()
	opts.Version = version

	configPath := flag.String("config", opts.ConfigPath, "path to the YAML configuration file")
	logLevel := flag.String("log-level", opts.LogLevel, "override logging.level (debug|info|warn|error)")
	healthAddr := flag.String("healthcheck", "", "run a one-shot health check against the given :port and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("modelrelay %s\n", version)
		return exitOK
	}
	if *healthAddr != "" {
		if err := runHealthCheck(*healthAddr); err != nil {
			return exitConfigError
		}
		return exitOK
	}

	opts.ConfigPath = *configPath
	opts.LogLevel = *logLevel

	log.Printf("modelrelay version %s", version)
	srv, err := app.NewServer(opts)
	if err != nil {
		log.Printf("configuration error: %v", err)
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := srv.Run(ctx)
	if runErr != nil && runErr != http.ErrServerClosed {
		log.Printf("serve error: %v", runErr)
	}
	return exitCode(runErr, ctx.Err() != nil)
}

// exitCode maps how the server stopped to the process exit status: a serve
// failure (bind error and the like) is a runtime fatal, a signal-initiated
// drain reports as interrupted even though shutdown was clean.
func exitCode(runErr error, signalled bool) int {
	if runErr != nil && runErr != http.ErrServerClosed {
		return exitRuntimeFatal
	}
	if signalled {
		return exitSignal
	}
	return exitOK
}
