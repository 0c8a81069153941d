package model

import "time"

// OutboxEntry is one pending remote operation. The request columns hold the
// exact bytes that will go on the wire, so every retry is byte-identical and
// the server can deduplicate by client_id.
type OutboxEntry struct {
	Seq           int64      `db:"seq"`
	EntityType    EntityType `db:"entity_type"`
	ClientID      string     `db:"client_id"`
	Method        string     `db:"method"`
	URL           string     `db:"url"`
	Headers       []byte     `db:"headers"` // JSON object, header name -> value
	Body          []byte     `db:"body"`
	Attempts      int        `db:"attempts"`
	LastAttemptAt *time.Time `db:"last_attempt_at"`
	LastError     *string    `db:"last_error"`
	CreatedAt     time.Time  `db:"created_at"`
}
