package lambdaboot

import (
	"github.com/fpang/tryon-studio/internal/config"
	"github.com/fpang/tryon-studio/internal/events"
	"github.com/fpang/tryon-studio/internal/generation"
	"github.com/fpang/tryon-studio/internal/provider"
	"github.com/fpang/tryon-studio/internal/s3util"
	"github.com/fpang/tryon-studio/internal/store"
)

// Adapters builds the provider adapter for each generation type.
func Adapters(cfg config.Config, stager provider.Stager) map[generation.Type]provider.Adapter {
	return map[generation.Type]provider.Adapter{
		generation.TypeTryOn: provider.NewTryOn(provider.TryOnConfig{
			BaseURL:      cfg.TryOnBaseURL,
			APIToken:     cfg.TryOnToken,
			ModelVersion: cfg.TryOnModelVersion,
		}),
		generation.TypeComposite: provider.NewComposite(provider.CompositeConfig{
			BaseURL:       cfg.CompositeBaseURL,
			APIKey:        cfg.CompositeKey,
			Model:         cfg.CompositeModel,
			Stager:        stager,
			StagingBucket: cfg.StagingBucket,
			Wait:          cfg.CompositeWait,
			PollInterval:  cfg.CompositePollInterval,
			WaitTimeout:   cfg.CompositeWaitTimeout,
			IngestTimeout: cfg.CompositeIngestTimeout,
		}),
	}
}

// Orchestrator wires the DynamoDB record store, the S3 artifact store, the
// provider adapters and, when enabled, the EventBridge publisher. A non-nil
// records argument replaces the DynamoDB store.
func Orchestrator(clients AWSClients, cfg config.Config, records generation.RecordStore) *generation.Orchestrator {
	if records == nil {
		RequireTable(cfg)
		records = store.NewDynamoStore(clients.DynamoDB, cfg.TableName, cfg.RecordTTL)
	}
	artifacts := s3util.NewFromClient(clients.S3, cfg.Region, cfg.PublicBaseURL)

	var notifier generation.Notifier
	if cfg.PublishEvents {
		notifier = events.NewPublisher(clients.EventBridge, cfg.EventBusName)
	}

	return generation.NewOrchestrator(
		records,
		artifacts,
		generation.NewHTTPFetcher(nil),
		Adapters(cfg, artifacts),
		notifier,
		cfg.Generation(),
	)
}
