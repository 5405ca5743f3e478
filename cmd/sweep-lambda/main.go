// Package main provides a scheduled Lambda that finishes abandoned
// generations. An EventBridge schedule invokes it; each run gives every
// processing record older than STALE_AFTER a final provider check and
// fails the ones that still have no result.
package main

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/fpang/tryon-studio/internal/generation"
	"github.com/fpang/tryon-studio/internal/lambdaboot"
	"github.com/fpang/tryon-studio/internal/logging"
	"github.com/fpang/tryon-studio/internal/metrics"
)

var orchestrator *generation.Orchestrator

func init() {
	initStart := time.Now()
	logging.Init()

	ctx := context.Background()
	cfg := lambdaboot.MustLoadConfig()
	clients := lambdaboot.InitAWS(ctx)
	lambdaboot.LoadProviderSecrets(ctx, clients.SSM, &cfg)
	orchestrator = lambdaboot.Orchestrator(clients, cfg, nil)

	lambdaboot.StartupLog("sweep-lambda", initStart, cfg).Log()
}

func handler(ctx context.Context) (generation.SweepResult, error) {
	start := time.Now()
	res, err := orchestrator.Sweep(ctx)

	metrics.SweepFinished(res.Checked, res.Completed, res.Failed, res.Errors, time.Since(start))

	if err != nil {
		log.Error().Err(err).Msg("Sweep failed")
		return res, err
	}
	return res, nil
}

func main() {
	lambda.Start(handler)
}
