package ports

import (
	"context"

	"streamengine/internal/domain"
)

// SourceProvider discovers stream candidates for a title.
type SourceProvider interface {
	Name() string
	Kind() domain.ProviderKind
	Resolve(ctx context.Context, q domain.TitleQuery) ([]domain.StreamSource, error)
}

type TitleInfo struct {
	Name         string
	OriginalName string
	Year         int
}

// TitleCatalog is the external metadata collaborator.
type TitleCatalog interface {
	Lookup(ctx context.Context, titleID string, mediaType domain.MediaType) (TitleInfo, error)
}

type ExternalSubtitle struct {
	FileID   string
	Language string
	Release  string
	Format   string
}

type SubtitleQuery struct {
	TitleID string
	Season  int
	Episode int
	Lang    string
}

// SubtitleSearcher is the external subtitle search collaborator.
type SubtitleSearcher interface {
	Search(ctx context.Context, q SubtitleQuery) ([]ExternalSubtitle, error)
	Download(ctx context.Context, fileID string) ([]byte, error)
}
