// Package main runs the in-memory stub backend, so the mindloop CLI can be
// exercised end-to-end without the real dashboard backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/praxishq/mindloop/internal/stub"
)

func main() {
	failReading := flag.Bool("fail-reading", false, "make every extraction stream fail (testing only)")
	failCompile := flag.Bool("fail-compile", false, "make every compile run fail (testing only)")
	flag.Parse()

	port := os.Getenv("MINDLOOP_STUB_PORT")
	if port == "" {
		port = "8686"
	}

	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	srv := stub.New(logger)
	srv.FailReading = *failReading
	srv.FailCompile = *failCompile

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second, // Long for streaming responses
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("stub backend listening", "url", fmt.Sprintf("http://localhost:%s/", port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down stub backend...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped")
}
