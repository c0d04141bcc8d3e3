package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"leaveamark.com/rag-server/internal/api"
)

func newServeCmd() *cobra.Command {
	var seedOnStart bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(commandContext(cmd), seedOnStart)
		},
	}
	cmd.Flags().BoolVar(&seedOnStart, "seed", false, "Seed sample documents before serving when the corpus is empty")
	return cmd
}

func runServe(ctx context.Context, seedOnStart bool) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if seedOnStart {
		res, err := a.seed.Seed(ctx)
		if err != nil {
			a.log.Warn("Startup seeding failed", "error", err)
		} else {
			a.log.Info("Startup seeding finished", "seeded", res.Seeded, "documents", res.Documents)
		}
	}

	apiHandler := api.NewAPIHandler(a.ingest, a.chat, a.seed, a.cfg.MaxUploadBytes, a.log)
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", a.cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  60 * time.Second, // Large uploads
		WriteTimeout: 60 * time.Second, // Chat streams lift this per request
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.log.Info("Starting server. Press Ctrl+C to quit.", "addr", serverAddr, "provider", a.cfg.LLMProvider, "db", a.cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("could not listen on %s: %w", serverAddr, err)
	case <-quit:
	}
	a.log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Background ingestions finish inside a.Close.
	a.log.Info("Server exiting gracefully")
	return nil
}
