// Package main runs the generation API as a standalone HTTP server for local
// development. Configuration comes from the environment, optionally seeded
// from a .env file.
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

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/tryon-studio/internal/generation"
	"github.com/fpang/tryon-studio/internal/httpapi"
	"github.com/fpang/tryon-studio/internal/lambdaboot"
	"github.com/fpang/tryon-studio/internal/logging"
	"github.com/fpang/tryon-studio/internal/store"
)

// CLI flags
var (
	portFlag          int
	envFileFlag       string
	memoryFlag        bool
	sweepIntervalFlag time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "generation-server",
	Short: "Local server for the try-on and composite generation API",
	Long: `Generation Server serves the generation API on a local port. Artifacts go to
the configured S3 buckets; records go to DynamoDB unless --memory is set.

Examples:
  generation-server
  generation-server --port 9090 --env-file .env.local
  generation-server --memory --sweep-interval 5m`,
	RunE: runMain,
}

func init() {
	rootCmd.Flags().IntVar(&portFlag, "port", 8080, "Port to listen on")
	rootCmd.Flags().StringVar(&envFileFlag, "env-file", ".env", "Environment file to load before reading configuration")
	rootCmd.Flags().BoolVar(&memoryFlag, "memory", false, "Keep generation records in memory instead of DynamoDB")
	rootCmd.Flags().DurationVar(&sweepIntervalFlag, "sweep-interval", 0, "Run the stale generation sweep at this interval (0 = never)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMain(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(envFileFlag); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFileFlag, err)
	}
	logging.Init()
	initStart := time.Now()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := lambdaboot.MustLoadConfig()
	clients := lambdaboot.InitAWS(ctx)
	lambdaboot.LoadProviderSecrets(ctx, clients.SSM, &cfg)

	var records generation.RecordStore
	if memoryFlag {
		records = store.NewMemoryStore()
		log.Warn().Msg("Using in-memory record store; generations are lost on exit")
	}
	orch := lambdaboot.Orchestrator(clients, cfg, records)
	lambdaboot.StartupLog("generation-server", initStart, cfg).Feature("memoryStore", memoryFlag).Log()

	if sweepIntervalFlag > 0 {
		go sweepLoop(ctx, orch, sweepIntervalFlag)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", portFlag),
		Handler:      httpapi.New(orch).Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Graceful shutdown failed")
		}
	}()

	log.Info().Int("port", portFlag).Msg("Starting generation server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func sweepLoop(ctx context.Context, orch *generation.Orchestrator, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := orch.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Sweep failed")
			}
		}
	}
}
