package model

import "time"

// CapturedRequest is a verbatim outbound request captured by the interception
// path after a failed direct attempt. The replay agent reissues it unchanged,
// in FIFO order by seq; a request that still fails stays at the head.
type CapturedRequest struct {
	Seq        int64      `db:"seq"`
	EntityType EntityType `db:"entity_type"`
	ClientID   string     `db:"client_id"`
	Method     string     `db:"method"`
	URL        string     `db:"url"`
	Headers    []byte     `db:"headers"`
	Body       []byte     `db:"body"`
	Attempts   int        `db:"attempts"`
	CreatedAt  time.Time  `db:"created_at"`
}
