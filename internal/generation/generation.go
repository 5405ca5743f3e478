// Package generation implements the lifecycle of an asynchronous image
// generation: submit a job to a provider, persist a record, advance the
// record as status checks observe provider progress, store the output
// artifact exactly once, and project the record into the client-facing
// status view.
//
// State machine:
//
//	processing -> completed
//	processing -> failed
//
// completed and failed are terminal; a terminal record is never written
// again and reading it makes no provider or artifact-store calls.
package generation

import (
	"context"
	"time"
)

// Type selects the provider adapter and the artifact bucket.
type Type string

const (
	TypeTryOn     Type = "try-on"
	TypeComposite Type = "composite"
)

// Valid reports whether t is a known generation type.
func (t Type) Valid() bool {
	return t == TypeTryOn || t == TypeComposite
}

// Status is the lifecycle state of a generation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Generation is the persisted record of one generation job.
type Generation struct {
	ID         string
	Type       Type
	Status     Status
	ExternalID string
	// StoragePath is the object key of the output artifact inside the
	// bucket for Type. Empty until completed.
	StoragePath string
	Progress    int
	Error       string
	// Metadata holds the input identifiers and prompt for audit only.
	Metadata map[string]string
	// SourceGenerationID optionally references the generation whose output
	// fed this one (a composite built on a try-on).
	SourceGenerationID string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	// Version is the optimistic-concurrency token, incremented on each write.
	Version int64
}

// clone returns a copy that shares no mutable state with g.
func (g *Generation) clone() *Generation {
	c := *g
	if g.Metadata != nil {
		c.Metadata = make(map[string]string, len(g.Metadata))
		for k, v := range g.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// RecordStore persists generation records.
//
// Get returns (nil, nil) when the record does not exist. Update writes g
// only if the stored version equals expectedVersion, returning ErrConflict
// otherwise; the store sets g.Version to the new version on success.
type RecordStore interface {
	Create(ctx context.Context, g *Generation) error
	Get(ctx context.Context, id string) (*Generation, error)
	Update(ctx context.Context, g *Generation, expectedVersion int64) error
	// ListProcessing returns processing records created before the cutoff.
	ListProcessing(ctx context.Context, createdBefore time.Time) ([]*Generation, error)
}

// ArtifactStore holds output image bytes.
type ArtifactStore interface {
	Put(ctx context.Context, bucket, key string, body []byte, contentType string) error
	PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
	PublicURL(bucket, key string) string
	Delete(ctx context.Context, bucket, key string) error
}

// Fetcher downloads a provider's output image.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (body []byte, contentType, extension string, err error)
}

// Notifier is told about terminal transitions. Failures are logged, never
// propagated.
type Notifier interface {
	GenerationFinished(ctx context.Context, g *Generation) error
}

// Buckets maps generation types to artifact buckets.
type Buckets struct {
	TryOn     string
	Composite string
}

// For returns the bucket for t.
func (b Buckets) For(t Type) string {
	if t == TypeComposite {
		return b.Composite
	}
	return b.TryOn
}

// DefaultBuckets are the conventional bucket names.
var DefaultBuckets = Buckets{
	TryOn:     "try-on-images",
	Composite: "composite-images",
}
