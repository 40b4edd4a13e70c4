package storetest

import (
	"testing"

	"cellarsync/internal/oauth"
	"cellarsync/internal/publisher"
	"cellarsync/internal/reconcile"
	"cellarsync/internal/store"
	"cellarsync/internal/syncer"
)

func TestMemory_SatisfiesStoreContracts(t *testing.T) {
	m := NewMemory()
	var _ reconcile.Store = m
	var _ publisher.Store = m
	var _ syncer.ConnectorLister = m
	var _ oauth.ConnectorSaver = m

	pg := store.NewPostgres(nil)
	var _ reconcile.Store = pg
	var _ publisher.Store = pg
	var _ syncer.ConnectorLister = pg
	var _ oauth.ConnectorSaver = pg
}
