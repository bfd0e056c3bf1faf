package ports

import (
	"context"
	"io"

	"streamengine/internal/domain"
)

// SessionHandle is one holder's claim on a shared swarm session.
type SessionHandle struct {
	ContentID string
	ID        uint64
}

// SessionManager owns the registry of shared swarm sessions.
type SessionManager interface {
	Acquire(ctx context.Context, contentID string) (SessionHandle, error)
	Release(h SessionHandle)
	Cleanup(contentID string) bool
	WaitMetadata(ctx context.Context, contentID string) ([]domain.FileRef, error)
	Files(contentID string) ([]domain.FileRef, error)
	SelectFile(contentID string, index int) (domain.FileRef, error)
	ReadRange(ctx context.Context, contentID string, fileIndex int, offset, length int64) (io.ReadCloser, error)
	Stats(contentID string) (domain.SessionStats, error)
	OnClose(fn func(contentID string))
}
