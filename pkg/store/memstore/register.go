package memstore

import (
	"context"

	"github.com/sciops/campaignd/pkg/store"
)

func init() {
	store.RegisterBackend("memory", func(context.Context, store.BackendConfig) (store.EventStore, error) {
		return New(), nil
	})
}
