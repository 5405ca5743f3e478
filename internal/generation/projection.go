package generation

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Projection is the client-facing view of a generation.
type Projection struct {
	ID       string `json:"id"`
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
	ImageURL string `json:"imageUrl,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Project builds the status view of g. Completed generations get a
// pre-signed artifact URL, or the public object URL when signing fails.
func (o *Orchestrator) Project(ctx context.Context, g *Generation) Projection {
	p := Projection{
		ID:       g.ID,
		Status:   g.Status,
		Progress: g.Progress,
	}
	switch g.Status {
	case StatusCompleted:
		if g.StoragePath == "" {
			break
		}
		bucket := o.cfg.Buckets.For(g.Type)
		// The artifact store hands back the same URL for repeated reads
		// while it has at least half its expiry left; after that a fresh
		// signature makes the view differ only in the URL query.
		url, err := o.artifacts.PresignGet(ctx, bucket, g.StoragePath, o.cfg.SignedURLExpiry)
		if err != nil {
			log.Warn().Err(err).Str("generationId", g.ID).Msg("Presign failed, using public artifact URL")
			url = o.artifacts.PublicURL(bucket, g.StoragePath)
		}
		p.ImageURL = url
	case StatusFailed:
		p.Error = g.Error
	}
	return p
}
