package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caseworks/fieldsync/internal/config"
	"github.com/caseworks/fieldsync/internal/db"
	"github.com/caseworks/fieldsync/internal/model"
	"github.com/caseworks/fieldsync/internal/remote"
	"github.com/caseworks/fieldsync/internal/repository"
	"github.com/caseworks/fieldsync/internal/retention"
	"github.com/caseworks/fieldsync/internal/service/intake"
	"github.com/caseworks/fieldsync/internal/syncer"
	"github.com/caseworks/fieldsync/migrations"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// fakeRemote is a configurable stand-in for the submission endpoint.
type fakeRemote struct {
	t      *testing.T
	up     atomic.Bool
	status atomic.Int32
	srv    *httptest.Server

	seen atomic.Int64
}

func newFakeRemote(t *testing.T) *fakeRemote {
	f := &fakeRemote{t: t}
	f.up.Store(true)
	f.status.Store(http.StatusCreated)
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.up.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		f.seen.Add(1)

		var env struct {
			ClientID string `json:"clientId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&env)

		st := int(f.status.Load())
		w.WriteHeader(st)
		if st/100 == 2 || st == http.StatusConflict {
			_ = json.NewEncoder(w).Encode(model.Ack{
				ClientID:  env.ClientID,
				RemoteID:  "R-" + env.ClientID,
				Duplicate: st == http.StatusConflict,
			})
			return
		}
		_, _ = w.Write([]byte(`{"message":"invalid submission"}`))
	}))
	t.Cleanup(f.srv.Close)
	return f
}

type apiFixture struct {
	handler http.Handler
	dbx     *sqlx.DB
	remote  *fakeRemote
	replay  repository.ReplayRepository
	outbox  repository.OutboxRepository
	trigger chan struct{}
	token   string
}

func newAPIFixture(t *testing.T, token string) *apiFixture {
	t.Helper()

	dbx, err := db.NewSQLiteConnection(filepath.Join(t.TempDir(), "store.db"), db.SQLiteOpts{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbx.Close() })
	require.NoError(t, db.Migrate(context.Background(), dbx, migrations.FS))

	fr := newFakeRemote(t)
	client := remote.NewClient(fr.srv.URL, "/healthz", 2*time.Second, 100, time.Minute)

	records := repository.NewRecordsRepository(dbx)
	outbox := repository.NewOutboxRepository(dbx)
	replay := repository.NewReplayRepository(dbx)
	meta := repository.NewMetaRepository(dbx)

	applier := syncer.NewApplier(dbx, records, outbox, replay, meta)
	gov := retention.NewGovernor(dbx, records, outbox, replay)
	svc := intake.New(dbx, records, outbox, replay, meta, client, 72*time.Hour)

	trigger := make(chan struct{}, 1)
	cfg := config.Config{}
	cfg.HTTP.Token = token

	srv := NewServer(cfg, Deps{
		Intake:      svc,
		Records:     records,
		Outbox:      outbox,
		Applier:     applier,
		Governor:    gov,
		Intercept:   remote.NewInterceptingSender(client, replay),
		SyncTrigger: trigger,
	})

	return &apiFixture{
		handler: srv.Handler(),
		dbx:     dbx,
		remote:  fr,
		replay:  replay,
		outbox:  outbox,
		trigger: trigger,
		token:   token,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if f.token != "" {
		req.Header.Set("X-Auth-Token", f.token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSubmitAccepted(t *testing.T) {
	f := newAPIFixture(t, "")

	rec := f.do(t, http.MethodPost, "/v1/submissions",
		`{"entityType":"person","payload":{"name":"A"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody(t, rec)
	require.Equal(t, true, body["queued"])
	require.NotEmpty(t, body["clientId"])

	// visible immediately, before any sync happened
	list := f.do(t, http.MethodGet, "/v1/records", "")
	require.Equal(t, http.StatusOK, list.Code)
	records := decodeBody(t, list)["records"].([]any)
	require.Len(t, records, 1)
	require.Equal(t, "pending", records[0].(map[string]any)["status"])
}

func TestSubmitValidation(t *testing.T) {
	f := newAPIFixture(t, "")

	rec := f.do(t, http.MethodPost, "/v1/submissions", `{"entityType":"spaceship","payload":{}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/submissions", `{"entityType":"person"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendNowDeliversAndReconciles(t *testing.T) {
	f := newAPIFixture(t, "")

	created := decodeBody(t, f.do(t, http.MethodPost, "/v1/submissions",
		`{"entityType":"person","payload":{"name":"A"}}`))
	id := created["clientId"].(string)

	rec := f.do(t, http.MethodPost, "/v1/submissions/"+id+"/send", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "synced", body["status"])
	require.Equal(t, "R-"+id, body["remoteId"])

	// the queued entry is gone; sending again just reports current state
	rec = f.do(t, http.MethodPost, "/v1/submissions/"+id+"/send", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "synced", decodeBody(t, rec)["status"])
	require.Equal(t, int64(1), f.remote.seen.Load())
}

func TestSendNowOfflineQueuesForReplay(t *testing.T) {
	f := newAPIFixture(t, "")
	f.remote.up.Store(false)

	created := decodeBody(t, f.do(t, http.MethodPost, "/v1/submissions",
		`{"entityType":"encounter","payload":{"note":"x"}}`))
	id := created["clientId"].(string)

	rec := f.do(t, http.MethodPost, "/v1/submissions/"+id+"/send", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "pending", body["status"])
	require.Equal(t, true, body["queued"])

	n, err := f.replay.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSendNowRejectionSurfaces(t *testing.T) {
	f := newAPIFixture(t, "")
	f.remote.status.Store(http.StatusBadRequest)

	created := decodeBody(t, f.do(t, http.MethodPost, "/v1/submissions",
		`{"entityType":"person","payload":{"name":""}}`))
	id := created["clientId"].(string)

	rec := f.do(t, http.MethodPost, "/v1/submissions/"+id+"/send", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "error", body["status"])
	require.Equal(t, "invalid submission", body["message"])

	// the record stays visible so the user can correct and resubmit
	got := f.do(t, http.MethodGet, "/v1/records/"+id, "")
	require.Equal(t, http.StatusOK, got.Code)
	require.Equal(t, "invalid submission", decodeBody(t, got)["lastError"])
}

func TestUpdateAfterSyncConflicts(t *testing.T) {
	f := newAPIFixture(t, "")

	created := decodeBody(t, f.do(t, http.MethodPost, "/v1/submissions",
		`{"entityType":"person","payload":{"name":"A"}}`))
	id := created["clientId"].(string)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/submissions/"+id+"/send", "").Code)

	rec := f.do(t, http.MethodPut, "/v1/submissions/"+id, `{"payload":{"name":"B"}}`)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdatePendingCoalesces(t *testing.T) {
	f := newAPIFixture(t, "")

	created := decodeBody(t, f.do(t, http.MethodPost, "/v1/submissions",
		`{"entityType":"person","payload":{"name":"A"}}`))
	id := created["clientId"].(string)

	rec := f.do(t, http.MethodPut, "/v1/submissions/"+id, `{"payload":{"name":"B"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	entry, err := f.outbox.GetByClientID(context.Background(), id, time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Contains(t, string(entry.Body), `"name":"B"`)
}

func TestDiscardRemovesEverything(t *testing.T) {
	f := newAPIFixture(t, "")

	created := decodeBody(t, f.do(t, http.MethodPost, "/v1/submissions",
		`{"entityType":"person","payload":{"name":"A"}}`))
	id := created["clientId"].(string)

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/v1/submissions/"+id, "").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/records/"+id, "").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/v1/submissions/"+id, "").Code)
}

func TestExpiredRecordUnreachableThroughAPI(t *testing.T) {
	f := newAPIFixture(t, "")

	created := decodeBody(t, f.do(t, http.MethodPost, "/v1/submissions",
		`{"entityType":"person","payload":{"name":"A"}}`))
	id := created["clientId"].(string)

	// the retention cutoff passes before anything was delivered
	past := time.Now().UTC().Add(-time.Minute)
	_, err := f.dbx.Exec(`UPDATE records SET expires_at = ? WHERE client_id = ?`, past, id)
	require.NoError(t, err)

	// every read path refuses the record and its queued entry, governor or not
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/records/"+id, "").Code)
	records := decodeBody(t, f.do(t, http.MethodGet, "/v1/records", ""))["records"].([]any)
	require.Empty(t, records)

	// send-now cannot transmit it either
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/submissions/"+id+"/send", "").Code)
	require.Equal(t, int64(0), f.remote.seen.Load())
}

func TestSyncRunNudgesDispatcher(t *testing.T) {
	f := newAPIFixture(t, "")

	rec := f.do(t, http.MethodPost, "/v1/sync/run", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-f.trigger:
	default:
		t.Fatal("expected a nudge on the sync trigger channel")
	}
}

func TestLifecyclePurgeRunsSynchronously(t *testing.T) {
	f := newAPIFixture(t, "")

	rec := f.do(t, http.MethodPost, "/v1/lifecycle/hidden", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(0), decodeBody(t, rec)["purged"])
}

func TestDeviceIDStable(t *testing.T) {
	f := newAPIFixture(t, "")

	first := decodeBody(t, f.do(t, http.MethodGet, "/v1/device", ""))["deviceId"]
	second := decodeBody(t, f.do(t, http.MethodGet, "/v1/device", ""))["deviceId"]
	require.NotEmpty(t, first)
	require.Equal(t, first, second)
}

func TestTokenMiddleware(t *testing.T) {
	f := newAPIFixture(t, "sekrit")

	// wrong token rejected
	req := httptest.NewRequest(http.MethodGet, "/v1/records", nil)
	req.Header.Set("X-Auth-Token", "nope")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// health stays open
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// correct token passes
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/records", "").Code)
}
