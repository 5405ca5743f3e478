// Package main provides the Lambda entry point for the generation API:
// create and status endpoints for try-on and composite generations behind
// API Gateway HTTP API (payload v2).
package main

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"

	"github.com/fpang/tryon-studio/internal/generation"
	"github.com/fpang/tryon-studio/internal/httpapi"
	"github.com/fpang/tryon-studio/internal/lambdaboot"
	"github.com/fpang/tryon-studio/internal/logging"
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

	lambdaboot.StartupLog("generation-lambda", initStart, cfg).Log()
}

func main() {
	adapter := httpadapter.NewV2(httpapi.New(orchestrator).Handler())
	lambda.Start(adapter.ProxyWithContext)
}
