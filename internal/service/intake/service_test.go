package intake

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/caseworks/fieldsync/internal/db"
	"github.com/caseworks/fieldsync/internal/model"
	"github.com/caseworks/fieldsync/internal/repository"
	"github.com/caseworks/fieldsync/migrations"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

type fixedEndpoints struct{}

func (fixedEndpoints) SubmissionURL(e model.EntityType) string {
	return "http://remote/sync/" + e.String()
}

func newTestService(t *testing.T) (*Service, *sqlx.DB) {
	t.Helper()
	dbx, err := db.NewSQLiteConnection(filepath.Join(t.TempDir(), "store.db"), db.SQLiteOpts{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbx.Close() })
	require.NoError(t, db.Migrate(context.Background(), dbx, migrations.FS))

	svc := New(
		dbx,
		repository.NewRecordsRepository(dbx),
		repository.NewOutboxRepository(dbx),
		repository.NewReplayRepository(dbx),
		repository.NewMetaRepository(dbx),
		fixedEndpoints{},
		72*time.Hour,
	)
	return svc, dbx
}

func TestSubmitWritesRecordAndEntryAtomically(t *testing.T) {
	svc, dbx := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Submit(ctx, model.EntityPerson, json.RawMessage(`{"firstName":"Ada"}`), true)
	require.NoError(t, err)
	require.NotEmpty(t, rec.ClientID)
	require.Equal(t, model.StatusPending, rec.Status)
	require.NotNil(t, rec.ExpiresAt)

	// nothing has touched the network; the queued state alone must survive
	// a process kill, so assert it straight from the store
	records := repository.NewRecordsRepository(dbx)
	outbox := repository.NewOutboxRepository(dbx)

	stored, err := records.Get(ctx, rec.ClientID, time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, stored)

	entries, err := outbox.List(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, rec.ClientID, entries[0].ClientID)
	require.Equal(t, "POST", entries[0].Method)
	require.Equal(t, "http://remote/sync/person", entries[0].URL)

	var env model.Envelope
	require.NoError(t, json.Unmarshal(entries[0].Body, &env))
	require.Equal(t, rec.ClientID, env.ClientID)
	require.NotEmpty(t, env.DeviceID)
	require.JSONEq(t, `{"firstName":"Ada"}`, string(env.Payload))

	var headers map[string]string
	require.NoError(t, json.Unmarshal(entries[0].Headers, &headers))
	require.Equal(t, rec.ClientID, headers["Idempotency-Key"])
}

func TestSubmitNonSensitiveHasNoExpiry(t *testing.T) {
	svc, _ := newTestService(t)

	rec, err := svc.Submit(context.Background(), model.EntityPerson, json.RawMessage(`{}`), false)
	require.NoError(t, err)
	require.Nil(t, rec.ExpiresAt)
}

func TestSubmitAssignsUniqueClientIDs(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		rec, err := svc.Submit(ctx, model.EntityEncounter, json.RawMessage(`{}`), true)
		require.NoError(t, err)
		require.False(t, seen[rec.ClientID])
		seen[rec.ClientID] = true
	}
}

func TestDeviceIDIsStable(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.DeviceID(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := svc.DeviceID(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestUpdateRegeneratesOutboxEntry(t *testing.T) {
	svc, dbx := newTestService(t)
	ctx := context.Background()
	outbox := repository.NewOutboxRepository(dbx)

	rec, err := svc.Submit(ctx, model.EntityPerson, json.RawMessage(`{"firstName":"Ada"}`), true)
	require.NoError(t, err)

	before, err := outbox.List(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, before, 1)

	_, err = svc.Update(ctx, rec.ClientID, json.RawMessage(`{"firstName":"Grace"}`))
	require.NoError(t, err)

	after, err := outbox.List(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, after, 1, "edits before first sync coalesce to one live entry")
	require.Greater(t, after[0].Seq, before[0].Seq)

	var env model.Envelope
	require.NoError(t, json.Unmarshal(after[0].Body, &env))
	require.JSONEq(t, `{"firstName":"Grace"}`, string(env.Payload))
}

func TestUpdateRefusesSyncedRecord(t *testing.T) {
	svc, dbx := newTestService(t)
	ctx := context.Background()
	records := repository.NewRecordsRepository(dbx)

	rec, err := svc.Submit(ctx, model.EntityPerson, json.RawMessage(`{}`), true)
	require.NoError(t, err)
	require.NoError(t, records.MarkSynced(ctx, nil, rec.ClientID, "R1", time.Now().UTC()))

	_, err = svc.Update(ctx, rec.ClientID, json.RawMessage(`{"x":1}`))
	require.ErrorIs(t, err, ErrNotEditable)
}

func TestDiscardRemovesEverything(t *testing.T) {
	svc, dbx := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Submit(ctx, model.EntityPerson, json.RawMessage(`{}`), true)
	require.NoError(t, err)
	require.NoError(t, svc.Discard(ctx, rec.ClientID))

	records := repository.NewRecordsRepository(dbx)
	got, err := records.Get(ctx, rec.ClientID, time.Now().UTC())
	require.NoError(t, err)
	require.Nil(t, got)

	entries, err := repository.NewOutboxRepository(dbx).List(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Empty(t, entries)

	require.ErrorIs(t, svc.Discard(ctx, rec.ClientID), ErrNotFound)
}
