package stores

import (
	"context"
	"time"

	pe "zaplink.io/zap/errors"
	md "zaplink.io/zap/models"
)

// ArtifactStore vends the interface to interact with artifact records.
type ArtifactStore interface {
	// Create persists a new artifact. It fails with ErrCodeExisted if the short id is taken
	Create(ctx context.Context, a *md.Artifact) *pe.Err
	Get(ctx context.Context, shortID string) (*md.Artifact, *pe.Err)
	// ConsumeView increments the view count by one and returns the updated artifact, but only if the
	// artifact has no view limit or its view count is below the limit. The check and the increment are
	// applied as one atomic unit at the storage layer. It fails with ErrCodeViewLimitReached when the
	// condition does not hold and with ErrCodeNotFound when the artifact is absent
	ConsumeView(ctx context.Context, shortID string) (*md.Artifact, *pe.Err)
	// Delete deletes the artifact record. Delete must be idempotent
	Delete(ctx context.Context, shortID string) *pe.Err
	// Junk returns up to max artifacts which expired before now or used up their views;
	// It returns all of them when max == 0
	Junk(ctx context.Context, now time.Time, max int) ([]*md.Junk, *pe.Err)
	Close() *pe.Err
}

// AttemptTracker counts failed password attempts per key within a sliding window
type AttemptTracker interface {
	Blocked(ctx context.Context, key string) (bool, *pe.Err)
	Fail(ctx context.Context, key string) *pe.Err
	Clear(ctx context.Context, key string) *pe.Err
}

const (
	errMsgStoreUnavailable = "artifact store unavailable"
	errMsgNotFound         = "zap not found"
	errMsgLimitReached     = "zap has reached its view limit"
	errMsgExisted          = "short id already taken"
)
