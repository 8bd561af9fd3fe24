// Package memstore is the in-memory event store backend. It backs unit
// tests and the e2e harness, and serves as the reference implementation
// of the store contract.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/sciops/campaignd/pkg/models"
	"github.com/sciops/campaignd/pkg/store"
)

// Store keeps campaigns, snapshots, and event logs in process memory.
// Values are deep-copied through JSON on the way in and out, so callers
// observe the same copy semantics as the document and relational
// backends.
type Store struct {
	mu        sync.RWMutex
	campaigns map[string]models.Campaign
	snapshots map[string]models.Snapshot
	events    map[string][]models.Event
}

var _ store.EventStore = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		campaigns: make(map[string]models.Campaign),
		snapshots: make(map[string]models.Snapshot),
		events:    make(map[string][]models.Event),
	}
}

func (s *Store) CreateCampaign(_ context.Context, id string, campaign models.Campaign, initialState models.CampaignState) error {
	campaignCopy, err := clone(campaign)
	if err != nil {
		return err
	}
	stateCopy, err := clone(initialState)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.campaigns[id]; ok {
		return fmt.Errorf("campaign %s: %w", id, store.ErrAlreadyExists)
	}
	s.campaigns[id] = campaignCopy
	s.snapshots[id] = models.Snapshot{
		CampaignID: id,
		Version:    0,
		State:      stateCopy,
	}
	s.events[id] = nil
	return nil
}

func (s *Store) GetCampaign(_ context.Context, id string) (models.Campaign, error) {
	s.mu.RLock()
	campaign, ok := s.campaigns[id]
	s.mu.RUnlock()
	if !ok {
		return models.Campaign{}, fmt.Errorf("campaign %s: %w", id, store.ErrNotFound)
	}
	return clone(campaign)
}

func (s *Store) LoadSnapshot(_ context.Context, id string) (models.Snapshot, error) {
	s.mu.RLock()
	snapshot, ok := s.snapshots[id]
	s.mu.RUnlock()
	if !ok {
		return models.Snapshot{}, fmt.Errorf("campaign %s: %w", id, store.ErrNotFound)
	}
	return clone(snapshot)
}

func (s *Store) AppendEvent(_ context.Context, event models.Event, expectedVersion int) error {
	eventCopy, err := clone(event)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, ok := s.snapshots[event.CampaignID]
	if !ok {
		return fmt.Errorf("campaign %s: %w", event.CampaignID, store.ErrNotFound)
	}
	if snapshot.Version != expectedVersion {
		return fmt.Errorf("campaign %s: have version %d, expected %d: %w",
			event.CampaignID, snapshot.Version, expectedVersion, store.ErrVersionConflict)
	}
	if event.Seq != expectedVersion+1 {
		return fmt.Errorf("campaign %s: event seq %d does not continue version %d: %w",
			event.CampaignID, event.Seq, expectedVersion, store.ErrSequenceConflict)
	}
	// The log is dense, so a crash-window double append at the same
	// version shows up as a seq collision with the existing tail.
	log := s.events[event.CampaignID]
	if event.Seq != len(log)+1 {
		return fmt.Errorf("campaign %s: event seq %d already recorded: %w",
			event.CampaignID, event.Seq, store.ErrSequenceConflict)
	}
	s.events[event.CampaignID] = append(log, eventCopy)
	return nil
}

func (s *Store) UpdateSnapshot(_ context.Context, snapshot models.Snapshot, expectedVersion int) error {
	snapshotCopy, err := clone(snapshot)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.snapshots[snapshot.CampaignID]
	if !ok {
		return fmt.Errorf("campaign %s: %w", snapshot.CampaignID, store.ErrNotFound)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("campaign %s: have version %d, expected %d: %w",
			snapshot.CampaignID, current.Version, expectedVersion, store.ErrVersionConflict)
	}
	s.snapshots[snapshot.CampaignID] = snapshotCopy
	return nil
}

func (s *Store) LoadEvents(_ context.Context, id string, afterSeq int) ([]models.Event, error) {
	s.mu.RLock()
	log := s.events[id]
	filtered := make([]models.Event, 0, len(log))
	for _, event := range log {
		if event.Seq > afterSeq {
			filtered = append(filtered, event)
		}
	}
	s.mu.RUnlock()

	out := make([]models.Event, 0, len(filtered))
	for _, event := range filtered {
		eventCopy, err := clone(event)
		if err != nil {
			return nil, err
		}
		out = append(out, eventCopy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) CampaignExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.campaigns[id]
	return ok, nil
}

func (s *Store) Close(context.Context) error {
	return nil
}

// clone round-trips a value through JSON. Both persistent backends
// serialize values the same way, so anything that survives them survives
// this copy too.
func clone[T any](v T) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("clone marshal: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("clone unmarshal: %w", err)
	}
	return out, nil
}
