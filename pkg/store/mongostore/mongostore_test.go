package mongostore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sciops/campaignd/pkg/store"
	"github.com/sciops/campaignd/pkg/store/storetest"
)

func TestEnsureIndexes(t *testing.T) {
	campaigns := newFakeCampaignsCollection()
	snapshots := newFakeSnapshotsCollection()
	events := newFakeEventsCollection()
	err := ensureIndexes(context.Background(), campaigns, snapshots, events)
	require.NoError(t, err)
	require.Equal(t, 1, campaigns.indexCreated)
	require.Equal(t, 1, snapshots.indexCreated)
	require.Equal(t, 1, events.indexCreated)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "mongo client is required")
	_, err = New(Options{Client: &mongodriver.Client{}})
	require.EqualError(t, err, "database name is required")
}

// TestContract drives the store code through the shared backend suite on
// top of the fake collections, so every code path except the driver
// adapters runs without a server.
func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.EventStore {
		return mustNewFakeStore(t)
	})
}

func mustNewFakeStore(t *testing.T) *Store {
	t.Helper()
	s, err := newStoreWithCollections(nil,
		newFakeCampaignsCollection(),
		newFakeSnapshotsCollection(),
		newFakeEventsCollection(),
		time.Second)
	require.NoError(t, err)
	return s
}

func duplicateKeyError() error {
	return mongodriver.WriteException{
		WriteErrors: mongodriver.WriteErrors{{Code: 11000}},
	}
}

type fakeCampaignsCollection struct {
	mu           sync.Mutex
	indexCreated int
	docs         map[string]campaignDocument
}

func newFakeCampaignsCollection() *fakeCampaignsCollection {
	return &fakeCampaignsCollection{docs: make(map[string]campaignDocument)}
}

func (c *fakeCampaignsCollection) FindOne(_ context.Context, filter any, _ ...*options.FindOneOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["campaign_id"].(string)
	doc, ok := c.docs[id]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	copyDoc := doc
	return fakeSingleResult{doc: &copyDoc}
}

func (c *fakeCampaignsCollection) Find(context.Context, any, ...*options.FindOptions) (cursor, error) {
	return newFakeCursor(nil), nil
}

func (c *fakeCampaignsCollection) InsertOne(_ context.Context, document any, _ ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := document.(campaignDocument)
	if _, ok := c.docs[doc.CampaignID]; ok {
		return nil, duplicateKeyError()
	}
	c.docs[doc.CampaignID] = doc
	return &mongodriver.InsertOneResult{}, nil
}

func (c *fakeCampaignsCollection) UpdateOne(context.Context, any, any, ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return nil, errors.New("campaigns are immutable")
}

func (c *fakeCampaignsCollection) Indexes() indexView {
	return fakeIndexView{created: &c.indexCreated}
}

type fakeSnapshotsCollection struct {
	mu           sync.Mutex
	indexCreated int
	docs         map[string]snapshotDocument
}

func newFakeSnapshotsCollection() *fakeSnapshotsCollection {
	return &fakeSnapshotsCollection{docs: make(map[string]snapshotDocument)}
}

func (c *fakeSnapshotsCollection) FindOne(_ context.Context, filter any, _ ...*options.FindOneOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := filter.(bson.M)["campaign_id"].(string)
	doc, ok := c.docs[id]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	copyDoc := doc
	return fakeSingleResult{doc: &copyDoc}
}

func (c *fakeSnapshotsCollection) Find(context.Context, any, ...*options.FindOptions) (cursor, error) {
	return newFakeCursor(nil), nil
}

func (c *fakeSnapshotsCollection) InsertOne(_ context.Context, document any, _ ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := document.(snapshotDocument)
	if _, ok := c.docs[doc.CampaignID]; ok {
		return nil, duplicateKeyError()
	}
	c.docs[doc.CampaignID] = doc
	return &mongodriver.InsertOneResult{}, nil
}

func (c *fakeSnapshotsCollection) UpdateOne(_ context.Context, filter any, update any,
	_ ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := filter.(bson.M)
	id := f["campaign_id"].(string)
	expectedVersion := f["version"].(int)

	doc, ok := c.docs[id]
	if !ok || doc.Version != expectedVersion {
		return &mongodriver.UpdateResult{MatchedCount: 0}, nil
	}

	set := update.(bson.M)["$set"].(bson.M)
	doc.Version = set["version"].(int)
	doc.State = set["state"].(bson.M)
	doc.UpdatedAt = set["updated_at"].(time.Time)
	c.docs[id] = doc
	return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (c *fakeSnapshotsCollection) Indexes() indexView {
	return fakeIndexView{created: &c.indexCreated}
}

type fakeEventsCollection struct {
	mu           sync.Mutex
	indexCreated int
	docs         []eventDocument
}

func newFakeEventsCollection() *fakeEventsCollection {
	return &fakeEventsCollection{}
}

func (c *fakeEventsCollection) FindOne(context.Context, any, ...*options.FindOneOptions) singleResult {
	return fakeSingleResult{err: mongodriver.ErrNoDocuments}
}

func (c *fakeEventsCollection) Find(_ context.Context, filter any, _ ...*options.FindOptions) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := filter.(bson.M)
	id := f["campaign_id"].(string)
	afterSeq := f["seq"].(bson.M)["$gt"].(int)

	matched := make([]eventDocument, 0, len(c.docs))
	for _, doc := range c.docs {
		if doc.CampaignID == id && doc.Seq > afterSeq {
			matched = append(matched, doc)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Seq < matched[j].Seq })

	out := make([]any, len(matched))
	for i := range matched {
		copyDoc := matched[i]
		out[i] = &copyDoc
	}
	return newFakeCursor(out), nil
}

func (c *fakeEventsCollection) InsertOne(_ context.Context, document any, _ ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := document.(eventDocument)
	for _, existing := range c.docs {
		if existing.CampaignID == doc.CampaignID && existing.Seq == doc.Seq {
			return nil, duplicateKeyError()
		}
	}
	c.docs = append(c.docs, doc)
	return &mongodriver.InsertOneResult{}, nil
}

func (c *fakeEventsCollection) UpdateOne(context.Context, any, any, ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return nil, errors.New("events are append-only")
}

func (c *fakeEventsCollection) Indexes() indexView {
	return fakeIndexView{created: &c.indexCreated}
}

type fakeIndexView struct {
	created *int
}

func (v fakeIndexView) CreateOne(_ context.Context, model mongodriver.IndexModel,
	_ ...*options.CreateIndexesOptions) (string, error) {
	if len(model.Keys.(bson.D)) == 0 {
		return "", errors.New("missing keys")
	}
	*v.created++
	return "idx", nil
}

type fakeSingleResult struct {
	doc any
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	switch typed := val.(type) {
	case *campaignDocument:
		*typed = *(r.doc.(*campaignDocument))
	case *snapshotDocument:
		*typed = *(r.doc.(*snapshotDocument))
	case *eventDocument:
		*typed = *(r.doc.(*eventDocument))
	default:
		return errors.New("unsupported target")
	}
	return nil
}

type fakeCursor struct {
	docs []any
	idx  int
}

func newFakeCursor(docs []any) *fakeCursor {
	return &fakeCursor{docs: docs, idx: -1}
}

func (c *fakeCursor) Close(context.Context) error { return nil }

func (c *fakeCursor) Decode(val any) error {
	if c.idx < 0 || c.idx >= len(c.docs) {
		return errors.New("no document")
	}
	switch typed := val.(type) {
	case *eventDocument:
		*typed = *(c.docs[c.idx].(*eventDocument))
	default:
		return errors.New("unsupported target")
	}
	return nil
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Next(context.Context) bool {
	next := c.idx + 1
	if next >= len(c.docs) {
		return false
	}
	c.idx = next
	return true
}
