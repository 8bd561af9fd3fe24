package mongostore

import (
	"context"
	"errors"
	"fmt"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/sciops/campaignd/pkg/store"
)

func init() {
	store.RegisterBackend("mongo", openBackend)
}

func openBackend(ctx context.Context, cfg store.BackendConfig) (store.EventStore, error) {
	if cfg.MongoURI == "" {
		return nil, errors.New("a mongo URI is required for the mongo backend")
	}
	client, err := mongodriver.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	st, err := New(Options{Client: client, Database: cfg.MongoDB})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return st, nil
}
