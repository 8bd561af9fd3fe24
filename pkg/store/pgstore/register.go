package pgstore

import (
	"context"
	"errors"

	"github.com/sciops/campaignd/pkg/database"
	"github.com/sciops/campaignd/pkg/store"
)

func init() {
	store.RegisterBackend("postgres", openBackend)
}

func openBackend(ctx context.Context, cfg store.BackendConfig) (store.EventStore, error) {
	if cfg.PostgresDSN == "" {
		return nil, errors.New("a postgres DSN is required for the postgres backend")
	}
	client, err := database.NewClient(ctx, database.DefaultConfig(cfg.PostgresDSN))
	if err != nil {
		return nil, err
	}
	return New(client.DB()), nil
}
