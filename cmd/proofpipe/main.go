package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nonce-ns/connectsphere-soundness-poc/internal/bootstrap"
	"github.com/nonce-ns/connectsphere-soundness-poc/internal/config"
	"github.com/nonce-ns/connectsphere-soundness-poc/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	shutdownTracing, err := observability.InitTracingFromEnv("connectsphere-proofpipe")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}()

	runtime, err := bootstrap.NewRuntime(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	// Eager start so jobs queued before a restart resume without waiting
	// for the next submission.
	runtime.Engine.StartConsumer(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           runtime.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
	}()

	log.Printf("proofpipe listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("proofpipe failed: %v", err)
	}
}
