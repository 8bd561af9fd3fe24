// Package pgstore is the PostgreSQL event store backend. Optimistic
// concurrency rides on a row lock over the snapshot version for appends
// and a conditional UPDATE for snapshot replacement; the UNIQUE
// (campaign_id, seq) constraint backstops the append path against
// crash-window double writes.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sciops/campaignd/pkg/models"
	"github.com/sciops/campaignd/pkg/store"
)

// pgUniqueViolation is the PostgreSQL error code for unique_violation.
const pgUniqueViolation = "23505"

// Store implements store.EventStore on a migrated PostgreSQL database.
type Store struct {
	db *sql.DB
}

var _ store.EventStore = (*Store)(nil)

// New wraps an open, migrated connection pool. The store takes ownership:
// Close closes the pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateCampaign(ctx context.Context, id string, campaign models.Campaign, initialState models.CampaignState) error {
	campaignJSON, err := json.Marshal(campaign)
	if err != nil {
		return fmt.Errorf("marshal campaign: %w", err)
	}
	stateJSON, err := json.Marshal(initialState)
	if err != nil {
		return fmt.Errorf("marshal initial state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transient("begin create campaign", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO campaigns (campaign_id, campaign) VALUES ($1, $2)`,
		id, campaignJSON)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("campaign %s: %w", id, store.ErrAlreadyExists)
		}
		return transient("insert campaign", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (campaign_id, version, state, updated_at) VALUES ($1, 0, $2, $3)`,
		id, stateJSON, time.Now().UTC())
	if err != nil {
		return transient("insert snapshot", err)
	}

	if err := tx.Commit(); err != nil {
		return transient("commit create campaign", err)
	}
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (models.Campaign, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT campaign FROM campaigns WHERE campaign_id = $1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Campaign{}, fmt.Errorf("campaign %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return models.Campaign{}, transient("select campaign", err)
	}

	var campaign models.Campaign
	if err := json.Unmarshal(raw, &campaign); err != nil {
		return models.Campaign{}, fmt.Errorf("unmarshal campaign %s: %w", id, err)
	}
	return campaign, nil
}

func (s *Store) LoadSnapshot(ctx context.Context, id string) (models.Snapshot, error) {
	var (
		version   int
		raw       []byte
		updatedAt time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, state, updated_at FROM snapshots WHERE campaign_id = $1`, id).
		Scan(&version, &raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Snapshot{}, fmt.Errorf("campaign %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return models.Snapshot{}, transient("select snapshot", err)
	}

	var state models.CampaignState
	if err := json.Unmarshal(raw, &state); err != nil {
		return models.Snapshot{}, fmt.Errorf("unmarshal snapshot state %s: %w", id, err)
	}
	return models.Snapshot{
		CampaignID: id,
		Version:    version,
		State:      state,
		UpdatedAt:  updatedAt,
	}, nil
}

func (s *Store) AppendEvent(ctx context.Context, event models.Event, expectedVersion int) error {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transient("begin append event", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM snapshots WHERE campaign_id = $1 FOR UPDATE`,
		event.CampaignID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("campaign %s: %w", event.CampaignID, store.ErrNotFound)
	}
	if err != nil {
		return transient("lock snapshot version", err)
	}
	if version != expectedVersion {
		return fmt.Errorf("campaign %s: have version %d, expected %d: %w",
			event.CampaignID, version, expectedVersion, store.ErrVersionConflict)
	}
	if event.Seq != expectedVersion+1 {
		return fmt.Errorf("campaign %s: event seq %d does not continue version %d: %w",
			event.CampaignID, event.Seq, expectedVersion, store.ErrSequenceConflict)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (event_id, campaign_id, seq, event_type, payload, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.EventID, event.CampaignID, event.Seq, string(event.EventType), payloadJSON, event.Timestamp)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("campaign %s: event seq %d already recorded: %w",
				event.CampaignID, event.Seq, store.ErrSequenceConflict)
		}
		return transient("insert event", err)
	}

	if err := tx.Commit(); err != nil {
		return transient("commit append event", err)
	}
	return nil
}

func (s *Store) UpdateSnapshot(ctx context.Context, snapshot models.Snapshot, expectedVersion int) error {
	stateJSON, err := json.Marshal(snapshot.State)
	if err != nil {
		return fmt.Errorf("marshal snapshot state: %w", err)
	}

	updatedAt := snapshot.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE snapshots SET version = $1, state = $2, updated_at = $3
		 WHERE campaign_id = $4 AND version = $5`,
		snapshot.Version, stateJSON, updatedAt, snapshot.CampaignID, expectedVersion)
	if err != nil {
		return transient("update snapshot", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return transient("update snapshot rows", err)
	}
	if affected == 0 {
		exists, err := s.CampaignExists(ctx, snapshot.CampaignID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("campaign %s: %w", snapshot.CampaignID, store.ErrNotFound)
		}
		return fmt.Errorf("campaign %s: expected version %d: %w",
			snapshot.CampaignID, expectedVersion, store.ErrVersionConflict)
	}
	return nil
}

func (s *Store) LoadEvents(ctx context.Context, id string, afterSeq int) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, campaign_id, seq, event_type, payload, timestamp
		 FROM events WHERE campaign_id = $1 AND seq > $2 ORDER BY seq`,
		id, afterSeq)
	if err != nil {
		return nil, transient("select events", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]models.Event, 0)
	for rows.Next() {
		var (
			event      models.Event
			eventType  string
			rawPayload []byte
		)
		if err := rows.Scan(&event.EventID, &event.CampaignID, &event.Seq,
			&eventType, &rawPayload, &event.Timestamp); err != nil {
			return nil, transient("scan event", err)
		}
		event.EventType = models.EventType(eventType)
		if err := json.Unmarshal(rawPayload, &event.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal event payload %s: %w", event.EventID, err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, transient("iterate events", err)
	}
	return events, nil
}

func (s *Store) CampaignExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM campaigns WHERE campaign_id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, transient("select campaign exists", err)
	}
	return exists, nil
}

func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// transient marks backend failures callers may retry, keeping the cause
// in the message.
func transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", store.ErrTransient, op, err)
}
