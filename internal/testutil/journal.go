package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/muxherd/muxherd/internal/journal"
	"github.com/muxherd/muxherd/internal/model"
)

func NewJournal(t *testing.T) (*journal.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := journal.Open(ctx, filepath.Join(t.TempDir(), "muxherd-test.db"))
	if err != nil {
		t.Fatalf("open test journal: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := journal.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func SeedActions(t *testing.T, store *journal.Store, ctx context.Context, actions ...model.Action) {
	t.Helper()
	for _, a := range actions {
		if err := store.Record(ctx, a); err != nil {
			t.Fatalf("seed action %+v: %v", a, err)
		}
	}
}
