// Package store defines the campaign event store: an append-only
// per-campaign event log plus a versioned state snapshot, guarded by
// optimistic concurrency on both writes.
//
// A logical state change is the pair (AppendEvent at version v,
// UpdateSnapshot to v+1). The two operations are independent
// compare-and-set writes; a crash between them leaves the log ahead of
// the snapshot, which recovery handles by replaying
// LoadEvents(id, snapshot.Version).
package store

import (
	"context"
	"errors"

	"github.com/sciops/campaignd/pkg/models"
)

var (
	// ErrAlreadyExists is returned by CreateCampaign for a taken id.
	ErrAlreadyExists = errors.New("campaign already exists")
	// ErrNotFound is returned when the campaign id is unknown.
	ErrNotFound = errors.New("campaign not found")
	// ErrVersionConflict is a deterministic compare-and-set failure on the
	// snapshot version. Not retryable without reloading the snapshot.
	ErrVersionConflict = errors.New("snapshot version conflict")
	// ErrSequenceConflict means the appended event's seq does not continue
	// the log (seq != expected version + 1).
	ErrSequenceConflict = errors.New("event sequence conflict")
	// ErrTransient wraps backend availability failures; callers may retry.
	ErrTransient = errors.New("transient store error")
)

// EventStore is the contract every backend implements. All three backends
// (in-memory, document, relational) pass the same contract test suite.
type EventStore interface {
	// CreateCampaign atomically inserts the campaign document, a version-0
	// snapshot built from initialState, and an empty event log.
	// ErrAlreadyExists if the id is taken.
	CreateCampaign(ctx context.Context, id string, campaign models.Campaign, initialState models.CampaignState) error

	// GetCampaign returns the immutable campaign, or ErrNotFound.
	GetCampaign(ctx context.Context, id string) (models.Campaign, error)

	// LoadSnapshot returns a deep copy of the latest snapshot, or
	// ErrNotFound. Callers own the result; mutating it never touches
	// store-owned state.
	LoadSnapshot(ctx context.Context, id string) (models.Snapshot, error)

	// AppendEvent appends iff the stored snapshot version equals
	// expectedVersion (ErrVersionConflict) and event.Seq ==
	// expectedVersion+1 (ErrSequenceConflict). It does not bump the
	// snapshot version.
	AppendEvent(ctx context.Context, event models.Event, expectedVersion int) error

	// UpdateSnapshot replaces the snapshot iff the stored version equals
	// expectedVersion, else ErrVersionConflict.
	UpdateSnapshot(ctx context.Context, snapshot models.Snapshot, expectedVersion int) error

	// LoadEvents returns the campaign's events with seq > afterSeq,
	// ordered by seq. Unknown campaigns yield an empty slice.
	LoadEvents(ctx context.Context, id string, afterSeq int) ([]models.Event, error)

	// CampaignExists reports whether the campaign was created.
	CampaignExists(ctx context.Context, id string) (bool, error)

	// Close releases backend resources.
	Close(ctx context.Context) error
}
