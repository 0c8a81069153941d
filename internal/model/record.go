package model

import "time"

type SyncStatus string

const (
	StatusPending  SyncStatus = "pending"
	StatusSynced   SyncStatus = "synced"
	StatusError    SyncStatus = "error"
	StatusConflict SyncStatus = "conflict"
)

func (s SyncStatus) String() string { return string(s) }

func (s SyncStatus) Valid() bool {
	return s == StatusPending || s == StatusSynced || s == StatusError || s == StatusConflict
}

type EntityType string

const (
	EntityPerson    EntityType = "person"
	EntityEncounter EntityType = "encounter"
)

func (t EntityType) String() string { return string(t) }

// ParseEntityType validates user input against the known entity tables.
func ParseEntityType(s string) (EntityType, bool) {
	switch EntityType(s) {
	case EntityPerson, EntityEncounter:
		return EntityType(s), true
	}
	return "", false
}

// Record is the DB entity persisted in the records table. The payload is
// opaque to the sync engine; only the bookkeeping columns are interpreted.
type Record struct {
	ClientID   string     `db:"client_id"`
	EntityType EntityType `db:"entity_type"`
	RemoteID   *string    `db:"remote_id"`
	Status     SyncStatus `db:"status"`
	LastError  *string    `db:"last_error"`
	Payload    []byte     `db:"payload"`
	Sensitive  bool       `db:"sensitive"`
	ExpiresAt  *time.Time `db:"expires_at"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
}

// Expired reports whether the record has passed its hard retention cutoff.
// Records without an expiry (non-sensitive tables) never expire.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}
