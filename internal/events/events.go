// Package events publishes generation lifecycle events to EventBridge so
// downstream consumers can react to finished generations without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/tryon-studio/internal/generation"
)

// Source is the EventBridge source of every event published here.
const Source = "tryon-studio"

// Detail types.
const (
	DetailCompleted = "GenerationCompleted"
	DetailFailed    = "GenerationFailed"
)

// PutEventsAPI is the subset of the EventBridge client used here.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// GenerationFinished is the event detail for a terminal transition.
type GenerationFinished struct {
	GenerationID       string `json:"generationId"`
	Type               string `json:"type"`
	Status             string `json:"status"`
	StoragePath        string `json:"storagePath,omitempty"`
	Error              string `json:"error,omitempty"`
	SourceGenerationID string `json:"sourceGenerationId,omitempty"`
	CreatedAt          string `json:"createdAt"`
	FinishedAt         string `json:"finishedAt"`
}

// Publisher implements generation.Notifier on EventBridge.
type Publisher struct {
	client  PutEventsAPI
	busName string
}

var _ generation.Notifier = (*Publisher)(nil)

// NewPublisher creates a publisher. An empty bus name targets the default bus.
func NewPublisher(client PutEventsAPI, busName string) *Publisher {
	return &Publisher{client: client, busName: busName}
}

// GenerationFinished emits GenerationCompleted or GenerationFailed for g.
func (p *Publisher) GenerationFinished(ctx context.Context, g *generation.Generation) error {
	detailType := DetailCompleted
	if g.Status == generation.StatusFailed {
		detailType = DetailFailed
	}

	detail, err := json.Marshal(GenerationFinished{
		GenerationID:       g.ID,
		Type:               string(g.Type),
		Status:             string(g.Status),
		StoragePath:        g.StoragePath,
		Error:              g.Error,
		SourceGenerationID: g.SourceGenerationID,
		CreatedAt:          g.CreatedAt.UTC().Format(time.RFC3339),
		FinishedAt:         g.UpdatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", detailType, err)
	}

	entry := eventbridgetypes.PutEventsRequestEntry{
		Source:     aws.String(Source),
		DetailType: aws.String(detailType),
		Detail:     aws.String(string(detail)),
	}
	if p.busName != "" {
		entry.EventBusName = aws.String(p.busName)
	}

	result, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{entry},
	})
	if err != nil {
		log.Error().Err(err).Str("generationId", g.ID).Str("detailType", detailType).Msg("EventBridge PutEvents failed")
		return fmt.Errorf("PutEvents: %w", err)
	}
	if result.FailedEntryCount > 0 {
		for i, e := range result.Entries {
			if e.ErrorCode != nil || e.ErrorMessage != nil {
				log.Error().
					Int("index", i).
					Str("errorCode", aws.ToString(e.ErrorCode)).
					Str("errorMessage", aws.ToString(e.ErrorMessage)).
					Str("generationId", g.ID).
					Msg("EventBridge PutEvents entry failed")
				return fmt.Errorf("PutEvents entry %d failed: %s - %s", i, aws.ToString(e.ErrorCode), aws.ToString(e.ErrorMessage))
			}
		}
	}

	log.Debug().Str("generationId", g.ID).Str("detailType", detailType).Msg("Generation event published")
	return nil
}
