package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/fpang/tryon-studio/internal/metrics"
	"github.com/fpang/tryon-studio/internal/provider"
)

// Defaults for Config fields left at zero.
const (
	DefaultSignedURLExpiry   = time.Hour
	DefaultStaleAfter        = 24 * time.Hour
	DefaultMaxUpdateAttempts = 3
	DefaultSweepConcurrency  = 4

	progressQueued  = 25
	progressRunning = 50
)

// Config tunes an Orchestrator.
type Config struct {
	Buckets         Buckets
	SignedURLExpiry time.Duration
	// StaleAfter is the age after which a processing record gets one last
	// status check and is then failed. Negative disables staleness.
	StaleAfter time.Duration
	// MaxUpdateAttempts bounds the reload-and-merge loop on version
	// conflicts.
	MaxUpdateAttempts int
	SweepConcurrency  int
}

// CreateRequest describes a new generation.
type CreateRequest struct {
	Type   Type
	Images []provider.Image
	Prompt string
	Params map[string]any
	// Metadata is stored on the record for audit only.
	Metadata           map[string]string
	SourceGenerationID string
}

// Orchestrator drives generations through their lifecycle. It holds no
// per-generation state; every call reads and writes the record store.
type Orchestrator struct {
	records   RecordStore
	artifacts ArtifactStore
	fetcher   Fetcher
	adapters  map[Type]provider.Adapter
	notifier  Notifier
	cfg       Config

	now   func() time.Time
	newID func() string
}

// NewOrchestrator creates an Orchestrator. notifier may be nil.
func NewOrchestrator(records RecordStore, artifacts ArtifactStore, fetcher Fetcher, adapters map[Type]provider.Adapter, notifier Notifier, cfg Config) *Orchestrator {
	if cfg.Buckets.TryOn == "" {
		cfg.Buckets.TryOn = DefaultBuckets.TryOn
	}
	if cfg.Buckets.Composite == "" {
		cfg.Buckets.Composite = DefaultBuckets.Composite
	}
	if cfg.SignedURLExpiry <= 0 {
		cfg.SignedURLExpiry = DefaultSignedURLExpiry
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.MaxUpdateAttempts <= 0 {
		cfg.MaxUpdateAttempts = DefaultMaxUpdateAttempts
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = DefaultSweepConcurrency
	}
	return &Orchestrator{
		records:   records,
		artifacts: artifacts,
		fetcher:   fetcher,
		adapters:  adapters,
		notifier:  notifier,
		cfg:       cfg,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Create submits the job to the provider and persists a processing record.
// A rejected submission leaves no record behind.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*Generation, error) {
	if !req.Type.Valid() {
		return nil, &ValidationError{Fields: []FieldError{{Field: "type", Message: fmt.Sprintf("unknown generation type %q", req.Type)}}}
	}
	adapter, ok := o.adapters[req.Type]
	if !ok {
		return nil, fmt.Errorf("no provider configured for %s generations", req.Type)
	}

	if req.SourceGenerationID != "" {
		src, err := o.records.Get(ctx, req.SourceGenerationID)
		if err != nil {
			return nil, fmt.Errorf("load source generation %s: %w", req.SourceGenerationID, err)
		}
		if src == nil || src.Status != StatusCompleted {
			return nil, fmt.Errorf("%w: %s", ErrSourceNotReady, req.SourceGenerationID)
		}
	}

	id := o.newID()
	start := o.now()
	externalID, err := adapter.Submit(ctx, provider.Input{
		Images: req.Images,
		Prompt: req.Prompt,
		Params: req.Params,
	})
	if err != nil {
		metrics.SubmissionFailed(string(req.Type))
		log.Error().Err(err).Str("generationId", id).Str("type", string(req.Type)).Msg("Provider rejected generation")
		return nil, fmt.Errorf("submit %s generation: %w", req.Type, err)
	}

	now := o.now()
	g := &Generation{
		ID:                 id,
		Type:               req.Type,
		Status:             StatusProcessing,
		ExternalID:         externalID,
		Progress:           0,
		Metadata:           req.Metadata,
		SourceGenerationID: req.SourceGenerationID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := o.records.Create(ctx, g); err != nil {
		log.Error().Err(err).Str("generationId", id).Str("externalId", externalID).Msg("Provider job submitted but record not persisted")
		return nil, fmt.Errorf("persist generation %s: %w", id, err)
	}

	metrics.GenerationSubmitted(string(req.Type))
	log.Info().
		Str("generationId", id).
		Str("type", string(req.Type)).
		Str("provider", adapter.Name()).
		Str("externalId", externalID).
		Dur("submitDuration", now.Sub(start)).
		Msg("Generation created")
	return g, nil
}

// GetStatus loads a generation, advances it if still processing, and
// projects it. An empty t matches any type; a type mismatch is reported as
// ErrNotFound. Terminal records are projected without provider calls.
func (o *Orchestrator) GetStatus(ctx context.Context, t Type, id string) (Projection, error) {
	g, err := o.records.Get(ctx, id)
	if err != nil {
		return Projection{}, fmt.Errorf("load generation %s: %w", id, err)
	}
	if g == nil || (t != "" && g.Type != t) {
		return Projection{}, ErrNotFound
	}

	if !g.Status.Terminal() {
		g, err = o.Advance(ctx, g)
		if err != nil {
			return Projection{}, err
		}
	}
	return o.Project(ctx, g), nil
}

// Advance polls the provider once for a non-terminal generation and
// persists the outcome. Provider poll errors leave the record unchanged
// and are returned, unless the record is stale, in which case it is failed.
func (o *Orchestrator) Advance(ctx context.Context, g *Generation) (*Generation, error) {
	if g.Status.Terminal() {
		return g, nil
	}
	adapter, ok := o.adapters[g.Type]
	if !ok {
		return nil, fmt.Errorf("no provider configured for %s generations", g.Type)
	}

	next, artifactKey, err := o.observe(ctx, adapter, g)
	if err != nil {
		if !o.stale(g) {
			return nil, err
		}
		log.Warn().Err(err).Str("generationId", g.ID).Msg("Status check failed on stale generation")
		next, artifactKey = nil, ""
	}
	if o.stale(g) && (next == nil || !next.Status.Terminal()) {
		next = g.clone()
		o.fail(next, o.timeoutMessage())
	}

	return o.commit(ctx, g, next, artifactKey)
}

// observe polls the provider and computes the next record state. When the
// job succeeded the artifact is stored and its key returned.
func (o *Orchestrator) observe(ctx context.Context, adapter provider.Adapter, g *Generation) (*Generation, string, error) {
	res, err := adapter.Poll(ctx, g.ExternalID)
	if err != nil {
		metrics.PollFailed(string(g.Type))
		log.Error().Err(err).Str("generationId", g.ID).Str("externalId", g.ExternalID).Msg("Provider status check failed")
		return nil, "", fmt.Errorf("check status of generation %s: %w", g.ID, err)
	}

	next := g.clone()
	next.UpdatedAt = o.now()

	switch res.State {
	case provider.StateSucceeded:
		url, ok := provider.ResolveOutputURL(res.Output)
		if !ok {
			log.Warn().Str("generationId", g.ID).Interface("output", res.Output).Msg("Provider succeeded without a usable output")
			o.fail(next, msgNoOutputImage)
			return next, "", nil
		}
		key, err := o.storeArtifact(ctx, g, url)
		var cfgErr *StorageConfigurationError
		var dlErr *ArtifactDownloadError
		var upErr *ArtifactUploadError
		switch {
		case err == nil:
			next.Status = StatusCompleted
			next.StoragePath = key
			next.Progress = 100
			return next, key, nil
		case errors.As(err, &cfgErr):
			o.fail(next, cfgErr.Error())
			return next, "", nil
		case errors.As(err, &dlErr):
			o.fail(next, dlErr.Error())
			return next, "", nil
		case errors.As(err, &upErr):
			o.fail(next, upErr.Error())
			return next, "", nil
		default:
			return nil, "", err
		}

	case provider.StateFailed:
		reason := res.Error
		if reason == "" {
			reason = msgProviderFailed
		}
		o.fail(next, reason)
		return next, "", nil

	default:
		target := progressQueued
		if res.Processing {
			target = progressRunning
		}
		if target > next.Progress {
			next.Progress = target
		}
		return next, "", nil
	}
}

// storeArtifact downloads the provider output and uploads it under a fresh
// key in the bucket for the generation's type.
func (o *Orchestrator) storeArtifact(ctx context.Context, g *Generation, url string) (string, error) {
	body, contentType, ext, err := o.fetcher.Fetch(ctx, url)
	if err != nil {
		log.Error().Err(err).Str("generationId", g.ID).Str("url", url).Msg("Failed to download provider output")
		return "", &ArtifactDownloadError{URL: url, Err: err}
	}

	bucket := o.cfg.Buckets.For(g.Type)
	key := fmt.Sprintf("%s/%s%s", g.ID, uuid.NewString(), ext)
	if err := o.artifacts.Put(ctx, bucket, key, body, contentType); err != nil {
		if errors.Is(err, ErrBucketNotFound) {
			log.Error().Err(err).Str("bucket", bucket).Str("generationId", g.ID).Msg("Artifact bucket missing")
			return "", &StorageConfigurationError{Bucket: bucket, Err: err}
		}
		log.Error().Err(err).Str("bucket", bucket).Str("key", key).Str("generationId", g.ID).Msg("Failed to store artifact")
		return "", &ArtifactUploadError{Bucket: bucket, Key: key, Err: err}
	}

	log.Info().Str("generationId", g.ID).Str("bucket", bucket).Str("key", key).Int("bytes", len(body)).Msg("Generation artifact stored")
	return key, nil
}

// commit writes next over cur with a version check. On conflict it reloads:
// a record that went terminal meanwhile wins and this caller's artifact is
// removed; otherwise this outcome is merged onto the fresh record and the
// write retried.
func (o *Orchestrator) commit(ctx context.Context, cur, next *Generation, artifactKey string) (*Generation, error) {
	for attempt := 1; ; attempt++ {
		err := o.records.Update(ctx, next, cur.Version)
		if err == nil {
			if next.Status.Terminal() {
				o.finished(ctx, next)
			}
			return next, nil
		}
		if !errors.Is(err, ErrConflict) {
			o.discardArtifact(ctx, next, artifactKey)
			return nil, fmt.Errorf("persist generation %s: %w", next.ID, err)
		}
		if attempt >= o.cfg.MaxUpdateAttempts {
			o.discardArtifact(ctx, next, artifactKey)
			return nil, fmt.Errorf("persist generation %s after %d attempts: %w", next.ID, attempt, err)
		}

		fresh, err := o.records.Get(ctx, next.ID)
		if err != nil {
			o.discardArtifact(ctx, next, artifactKey)
			return nil, fmt.Errorf("reload generation %s: %w", next.ID, err)
		}
		if fresh == nil {
			o.discardArtifact(ctx, next, artifactKey)
			return nil, ErrNotFound
		}
		if fresh.Status.Terminal() {
			log.Info().Str("generationId", next.ID).Str("status", string(fresh.Status)).Msg("Concurrent status check already finished generation")
			o.discardArtifact(ctx, next, artifactKey)
			return fresh, nil
		}

		log.Debug().Str("generationId", next.ID).Int("attempt", attempt).Msg("Generation record changed concurrently, merging")
		cur, next = fresh, merge(fresh, next)
	}
}

// merge applies outcome onto a fresh, still processing record.
func merge(fresh, outcome *Generation) *Generation {
	m := fresh.clone()
	m.UpdatedAt = outcome.UpdatedAt
	if outcome.Status.Terminal() {
		m.Status = outcome.Status
		m.StoragePath = outcome.StoragePath
		m.Error = outcome.Error
		m.Progress = outcome.Progress
		return m
	}
	if outcome.Progress > m.Progress {
		m.Progress = outcome.Progress
	}
	return m
}

func (o *Orchestrator) discardArtifact(ctx context.Context, g *Generation, key string) {
	if key == "" {
		return
	}
	bucket := o.cfg.Buckets.For(g.Type)
	if err := o.artifacts.Delete(context.WithoutCancel(ctx), bucket, key); err != nil {
		log.Warn().Err(err).Str("bucket", bucket).Str("key", key).Msg("Failed to delete unused artifact")
		return
	}
	log.Debug().Str("bucket", bucket).Str("key", key).Msg("Deleted unused artifact")
}

func (o *Orchestrator) fail(g *Generation, message string) {
	g.Status = StatusFailed
	g.Error = message
	g.StoragePath = ""
	g.Progress = 100
	g.UpdatedAt = o.now()
}

// finished reports a terminal transition. Failures here never affect the
// caller.
func (o *Orchestrator) finished(ctx context.Context, g *Generation) {
	metrics.GenerationFinished(string(g.Type), string(g.Status), g.UpdatedAt.Sub(g.CreatedAt), g.ID)

	level := zerolog.InfoLevel
	if g.Status == StatusFailed {
		level = zerolog.WarnLevel
	}
	log.WithLevel(level).Str("error", g.Error).Str("generationId", g.ID).Str("type", string(g.Type)).Str("status", string(g.Status)).Msg("Generation finished")

	if o.notifier == nil {
		return
	}
	if err := o.notifier.GenerationFinished(ctx, g); err != nil {
		log.Warn().Err(err).Str("generationId", g.ID).Msg("Failed to publish generation event")
	}
}

func (o *Orchestrator) stale(g *Generation) bool {
	return o.cfg.StaleAfter > 0 && o.now().Sub(g.CreatedAt) >= o.cfg.StaleAfter
}

func (o *Orchestrator) timeoutMessage() string {
	return fmt.Sprintf("Generation timed out: no result from provider within %s", o.cfg.StaleAfter)
}

// SweepResult summarizes one Sweep run.
type SweepResult struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Errors    int `json:"errors"`
}

// Sweep gives every stale processing record one last status check and
// fails those that still have no result. Records are advanced concurrently,
// at most SweepConcurrency at a time.
func (o *Orchestrator) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	if o.cfg.StaleAfter <= 0 {
		return res, nil
	}

	cutoff := o.now().Add(-o.cfg.StaleAfter)
	stale, err := o.records.ListProcessing(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("list stale generations: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.SweepConcurrency)
	for _, rec := range stale {
		rec := rec
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := o.Advance(gctx, rec)

			mu.Lock()
			defer mu.Unlock()
			res.Checked++
			if err != nil {
				res.Errors++
				log.Error().Err(err).Str("generationId", rec.ID).Msg("Sweep failed to advance generation")
				return nil
			}
			switch out.Status {
			case StatusCompleted:
				res.Completed++
			case StatusFailed:
				res.Failed++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	log.Info().
		Int("checked", res.Checked).
		Int("completed", res.Completed).
		Int("failed", res.Failed).
		Int("errors", res.Errors).
		Time("cutoff", cutoff).
		Msg("Stale generation sweep finished")
	return res, nil
}
