// Package mongostore is the MongoDB event store backend. Unique indexes
// on campaign_id and (campaign_id, seq) give the same duplicate and
// crash-window guarantees the relational backend gets from its
// constraints; the snapshot CAS is a filtered update on the expected
// version.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sciops/campaignd/pkg/models"
	"github.com/sciops/campaignd/pkg/store"
)

const (
	campaignsCollection = "campaigns"
	snapshotsCollection = "snapshots"
	eventsCollection    = "events"
	defaultOpTimeout    = 5 * time.Second
)

// Options configures the Mongo event store.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

// Store implements store.EventStore on MongoDB collections.
type Store struct {
	client    *mongodriver.Client
	campaigns collection
	snapshots collection
	events    collection
	timeout   time.Duration
}

var _ store.EventStore = (*Store)(nil)

// campaignDocument holds the immutable submitted campaign.
type campaignDocument struct {
	CampaignID string `bson:"campaign_id"`
	Campaign   bson.M `bson:"campaign"`
}

// snapshotDocument holds the latest reduced state, versioned for CAS.
type snapshotDocument struct {
	CampaignID string    `bson:"campaign_id"`
	Version    int       `bson:"version"`
	State      bson.M    `bson:"state"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

// eventDocument is one append-only log entry.
type eventDocument struct {
	EventID    string    `bson:"event_id"`
	CampaignID string    `bson:"campaign_id"`
	Seq        int       `bson:"seq"`
	EventType  string    `bson:"event_type"`
	Payload    bson.M    `bson:"payload"`
	Timestamp  time.Time `bson:"timestamp"`
}

// New returns a Store backed by the named database on a connected client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	campaigns := mongoCollection{coll: db.Collection(campaignsCollection)}
	snapshots := mongoCollection{coll: db.Collection(snapshotsCollection)}
	events := mongoCollection{coll: db.Collection(eventsCollection)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, campaigns, snapshots, events); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return newStoreWithCollections(opts.Client, campaigns, snapshots, events, timeout)
}

func newStoreWithCollections(client *mongodriver.Client, campaigns, snapshots, events collection, timeout time.Duration) (*Store, error) {
	if campaigns == nil || snapshots == nil || events == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{
		client:    client,
		campaigns: campaigns,
		snapshots: snapshots,
		events:    events,
		timeout:   timeout,
	}, nil
}

func ensureIndexes(ctx context.Context, campaigns, snapshots, events collection) error {
	campaignIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "campaign_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := campaigns.Indexes().CreateOne(ctx, campaignIndex); err != nil {
		return err
	}
	snapshotIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "campaign_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := snapshots.Indexes().CreateOne(ctx, snapshotIndex); err != nil {
		return err
	}
	eventIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "campaign_id", Value: 1},
			{Key: "seq", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := events.Indexes().CreateOne(ctx, eventIndex); err != nil {
		return err
	}
	return nil
}

func (s *Store) CreateCampaign(ctx context.Context, id string, campaign models.Campaign, initialState models.CampaignState) error {
	campaignDoc, err := toBSONMap(campaign)
	if err != nil {
		return fmt.Errorf("encode campaign: %w", err)
	}
	stateDoc, err := toBSONMap(initialState)
	if err != nil {
		return fmt.Errorf("encode initial state: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err = s.campaigns.InsertOne(ctx, campaignDocument{CampaignID: id, Campaign: campaignDoc})
	if err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("campaign %s: %w", id, store.ErrAlreadyExists)
		}
		return transient("insert campaign", err)
	}

	_, err = s.snapshots.InsertOne(ctx, snapshotDocument{
		CampaignID: id,
		Version:    0,
		State:      stateDoc,
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return transient("insert snapshot", err)
	}
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (models.Campaign, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc campaignDocument
	if err := s.campaigns.FindOne(ctx, bson.M{"campaign_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return models.Campaign{}, fmt.Errorf("campaign %s: %w", id, store.ErrNotFound)
		}
		return models.Campaign{}, transient("find campaign", err)
	}

	var campaign models.Campaign
	if err := fromBSONMap(doc.Campaign, &campaign); err != nil {
		return models.Campaign{}, fmt.Errorf("decode campaign %s: %w", id, err)
	}
	return campaign, nil
}

func (s *Store) LoadSnapshot(ctx context.Context, id string) (models.Snapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc, err := s.findSnapshot(ctx, id)
	if err != nil {
		return models.Snapshot{}, err
	}

	var state models.CampaignState
	if err := fromBSONMap(doc.State, &state); err != nil {
		return models.Snapshot{}, fmt.Errorf("decode snapshot state %s: %w", id, err)
	}
	return models.Snapshot{
		CampaignID: doc.CampaignID,
		Version:    doc.Version,
		State:      state,
		UpdatedAt:  doc.UpdatedAt.UTC(),
	}, nil
}

func (s *Store) AppendEvent(ctx context.Context, event models.Event, expectedVersion int) error {
	payloadDoc, err := toBSONMap(event.Payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	snapshot, err := s.findSnapshot(ctx, event.CampaignID)
	if err != nil {
		return err
	}
	if snapshot.Version != expectedVersion {
		return fmt.Errorf("campaign %s: have version %d, expected %d: %w",
			event.CampaignID, snapshot.Version, expectedVersion, store.ErrVersionConflict)
	}
	if event.Seq != expectedVersion+1 {
		return fmt.Errorf("campaign %s: event seq %d does not continue version %d: %w",
			event.CampaignID, event.Seq, expectedVersion, store.ErrSequenceConflict)
	}

	_, err = s.events.InsertOne(ctx, eventDocument{
		EventID:    event.EventID,
		CampaignID: event.CampaignID,
		Seq:        event.Seq,
		EventType:  string(event.EventType),
		Payload:    payloadDoc,
		Timestamp:  event.Timestamp.UTC(),
	})
	if err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("campaign %s: event seq %d already recorded: %w",
				event.CampaignID, event.Seq, store.ErrSequenceConflict)
		}
		return transient("insert event", err)
	}
	return nil
}

func (s *Store) UpdateSnapshot(ctx context.Context, snapshot models.Snapshot, expectedVersion int) error {
	stateDoc, err := toBSONMap(snapshot.State)
	if err != nil {
		return fmt.Errorf("encode snapshot state: %w", err)
	}

	updatedAt := snapshot.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"campaign_id": snapshot.CampaignID, "version": expectedVersion}
	update := bson.M{"$set": bson.M{
		"version":    snapshot.Version,
		"state":      stateDoc,
		"updated_at": updatedAt.UTC(),
	}}
	result, err := s.snapshots.UpdateOne(ctx, filter, update)
	if err != nil {
		return transient("update snapshot", err)
	}
	if result.MatchedCount == 0 {
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
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"campaign_id": id, "seq": bson.M{"$gt": afterSeq}}
	cur, err := s.events.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, transient("find events", err)
	}
	defer func() { _ = cur.Close(ctx) }()

	events := make([]models.Event, 0)
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, transient("decode event", err)
		}
		var payload map[string]any
		if err := fromBSONMap(doc.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode event payload %s: %w", doc.EventID, err)
		}
		events = append(events, models.Event{
			EventID:    doc.EventID,
			CampaignID: doc.CampaignID,
			Seq:        doc.Seq,
			EventType:  models.EventType(doc.EventType),
			Payload:    payload,
			Timestamp:  doc.Timestamp.UTC(),
		})
	}
	if err := cur.Err(); err != nil {
		return nil, transient("iterate events", err)
	}
	return events, nil
}

func (s *Store) CampaignExists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.campaigns.FindOne(ctx, bson.M{"campaign_id": id}).Decode(&campaignDocument{})
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, transient("find campaign", err)
	}
	return true, nil
}

func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func (s *Store) findSnapshot(ctx context.Context, id string) (snapshotDocument, error) {
	var doc snapshotDocument
	if err := s.snapshots.FindOne(ctx, bson.M{"campaign_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return snapshotDocument{}, fmt.Errorf("campaign %s: %w", id, store.ErrNotFound)
		}
		return snapshotDocument{}, transient("find snapshot", err)
	}
	return doc, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// toBSONMap round-trips a model through JSON so documents keep the wire
// field names rather than Go struct names.
func toBSONMap(v any) (bson.M, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m bson.M
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromBSONMap(m bson.M, out any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", store.ErrTransient, op, err)
}

// collection is the slice of *mongodriver.Collection the store uses,
// kept narrow so tests can substitute in-memory fakes.
type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}
