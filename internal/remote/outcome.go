package remote

import (
	"fmt"

	"github.com/caseworks/fieldsync/internal/model"
)

// OutcomeKind classifies one delivery attempt. The split mirrors the error
// taxonomy the rest of the engine acts on: transient failures requeue,
// rejections surface to the user, duplicates count as success.
type OutcomeKind int

const (
	// Delivered: 2xx with a fresh acknowledgment.
	Delivered OutcomeKind = iota
	// Duplicate: the remote recognized the client identifier as already
	// applied. Treated as success by every consumer.
	Duplicate
	// Rejected: the remote definitively refused the operation (4xx).
	// Retrying the same bytes cannot succeed.
	Rejected
	// Failed: network error, timeout, or 5xx. Transient, keep queued.
	Failed
	// Queued: synthetic outcome produced by the interception path after a
	// failed direct attempt; the request is now in the replay queue.
	Queued
)

func (k OutcomeKind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	case Queued:
		return "queued"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Kind    OutcomeKind
	Ack     *model.Ack // set for Delivered and Duplicate
	Status  int        // HTTP status when a response was received
	Message string     // server message for Rejected
	Err     error      // transport error for Failed
}

// Confirmed reports whether the remote has confirmed application, i.e. the
// outbox entry may be deleted.
func (o Outcome) Confirmed() bool {
	return o.Kind == Delivered || o.Kind == Duplicate
}
