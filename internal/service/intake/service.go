package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/caseworks/fieldsync/internal/metrics"
	"github.com/caseworks/fieldsync/internal/model"
	"github.com/caseworks/fieldsync/internal/repository"
	"github.com/caseworks/fieldsync/internal/util"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrNotEditable = errors.New("record already reached the remote")
)

// EndpointResolver maps an entity type to its remote submission URL.
type EndpointResolver interface {
	SubmissionURL(model.EntityType) string
}

// Service is the submission builder: it turns a validated domain payload
// into an immutable record plus its outbox entry, written in one
// transaction. A storage failure here is returned to the caller; the UI must
// show "not saved", never a silent success.
type Service struct {
	db        *sqlx.DB
	records   repository.RecordsRepository
	outbox    repository.OutboxRepository
	replay    repository.ReplayRepository
	meta      repository.MetaRepository
	endpoints EndpointResolver

	retentionTTL time.Duration

	Now   func() time.Time
	NewID func() string
}

func New(
	db *sqlx.DB,
	records repository.RecordsRepository,
	outbox repository.OutboxRepository,
	replay repository.ReplayRepository,
	meta repository.MetaRepository,
	endpoints EndpointResolver,
	retentionTTL time.Duration,
) *Service {
	return &Service{
		db:           db,
		records:      records,
		outbox:       outbox,
		replay:       replay,
		meta:         meta,
		endpoints:    endpoints,
		retentionTTL: retentionTTL,
		Now:          time.Now,
		NewID:        util.NewULID,
	}
}

// DeviceID returns the stable device identifier, minting and persisting one
// on first use.
func (s *Service) DeviceID(ctx context.Context) (string, error) {
	id, ok, err := s.meta.Get(ctx, repository.MetaDeviceID)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}

	id = uuid.NewString()
	if err := s.meta.Set(ctx, nil, repository.MetaDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

// Submit assigns a client identifier, stamps times, serializes the exact
// request the network layer will send, and writes the record together with
// its outbox entry atomically.
func (s *Service) Submit(ctx context.Context, entity model.EntityType, payload json.RawMessage, sensitive bool) (model.Record, error) {
	deviceID, err := s.DeviceID(ctx)
	if err != nil {
		return model.Record{}, fmt.Errorf("device id: %w", err)
	}

	now := s.Now().UTC()
	clientID := s.NewID()

	rec := model.Record{
		ClientID:   clientID,
		EntityType: entity,
		Status:     model.StatusPending,
		Payload:    payload,
		Sensitive:  sensitive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if sensitive && s.retentionTTL > 0 {
		exp := now.Add(s.retentionTTL)
		rec.ExpiresAt = &exp
	}

	entry, err := s.buildEntry(rec, deviceID, now)
	if err != nil {
		return model.Record{}, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.records.Insert(ctx, tx, rec); err != nil {
		return model.Record{}, fmt.Errorf("insert record: %w", err)
	}
	if err := s.outbox.Insert(ctx, tx, entry); err != nil {
		return model.Record{}, fmt.Errorf("insert outbox entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Record{}, err
	}

	metrics.SubmissionsTotal.WithLabelValues(entity.String()).Inc()

	return rec, nil
}

// Update replaces the payload of a record that has not synced yet and
// regenerates its outbox entry in the same transaction, so at most one live
// entry per record exists and stale request bytes can never be replayed.
func (s *Service) Update(ctx context.Context, clientID string, payload json.RawMessage) (model.Record, error) {
	now := s.Now().UTC()

	rec, err := s.records.Get(ctx, clientID, now)
	if err != nil {
		return model.Record{}, err
	}
	if rec == nil {
		return model.Record{}, ErrNotFound
	}
	if rec.RemoteID != nil || rec.Status == model.StatusSynced {
		return model.Record{}, ErrNotEditable
	}

	deviceID, err := s.DeviceID(ctx)
	if err != nil {
		return model.Record{}, fmt.Errorf("device id: %w", err)
	}

	rec.Payload = payload
	rec.Status = model.StatusPending
	rec.LastError = nil
	rec.UpdatedAt = now

	entry, err := s.buildEntry(*rec, deviceID, now)
	if err != nil {
		return model.Record{}, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.records.UpdatePayload(ctx, tx, clientID, payload, now); err != nil {
		if errors.Is(err, repository.ErrNotEditable) {
			return model.Record{}, ErrNotEditable
		}
		return model.Record{}, fmt.Errorf("update payload: %w", err)
	}
	if err := s.outbox.DeleteByClientID(ctx, tx, clientID); err != nil {
		return model.Record{}, fmt.Errorf("drop superseded entry: %w", err)
	}
	if err := s.replay.DeleteByClientIDs(ctx, tx, []string{clientID}); err != nil {
		return model.Record{}, fmt.Errorf("drop superseded replay copy: %w", err)
	}
	if err := s.outbox.Insert(ctx, tx, entry); err != nil {
		return model.Record{}, fmt.Errorf("insert outbox entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Record{}, err
	}

	return *rec, nil
}

// Discard removes a draft and everything queued for it. Only explicit user
// action reaches this; in-flight requests are left alone (unknown outcome,
// the idempotent retry discovers the truth).
func (s *Service) Discard(ctx context.Context, clientID string) error {
	rec, err := s.records.Get(ctx, clientID, s.Now().UTC())
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrNotFound
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.records.Delete(ctx, tx, clientID); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if err := s.outbox.DeleteByClientID(ctx, tx, clientID); err != nil {
		return fmt.Errorf("delete outbox entry: %w", err)
	}
	if err := s.replay.DeleteByClientIDs(ctx, tx, []string{clientID}); err != nil {
		return fmt.Errorf("delete replay copy: %w", err)
	}

	return tx.Commit()
}

// buildEntry freezes the wire request for a record. Retries and replays send
// these exact bytes; the Idempotency-Key header carries the client id the
// server deduplicates on.
func (s *Service) buildEntry(rec model.Record, deviceID string, now time.Time) (model.OutboxEntry, error) {
	env := model.Envelope{
		ClientID:   rec.ClientID,
		DeviceID:   deviceID,
		EntityType: rec.EntityType,
		CreatedAt:  rec.CreatedAt.Format(time.RFC3339),
		Payload:    json.RawMessage(rec.Payload),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return model.OutboxEntry{}, fmt.Errorf("marshal envelope: %w", err)
	}

	headers, err := json.Marshal(map[string]string{
		"Content-Type":    "application/json",
		"Idempotency-Key": rec.ClientID,
	})
	if err != nil {
		return model.OutboxEntry{}, fmt.Errorf("marshal headers: %w", err)
	}

	return model.OutboxEntry{
		EntityType: rec.EntityType,
		ClientID:   rec.ClientID,
		Method:     "POST",
		URL:        s.endpoints.SubmissionURL(rec.EntityType),
		Headers:    headers,
		Body:       body,
		CreatedAt:  now,
	}, nil
}
