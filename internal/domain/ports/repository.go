package ports

import (
	"context"

	"streamengine/internal/domain"
)

// FallbackStore persists fallback bookkeeping per playback key.
type FallbackStore interface {
	Get(ctx context.Context, key domain.PlaybackKey) (domain.FallbackState, error)
	Save(ctx context.Context, state domain.FallbackState) error
}

// ResultStore returns the last ranked resolve result for a playback key.
type ResultStore interface {
	LastResult(ctx context.Context, key domain.PlaybackKey) (domain.ResolveResult, bool)
}
