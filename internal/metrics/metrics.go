package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_submissions_total",
			Help: "Submissions accepted into the outbox by entity type",
		},
		[]string{"entity"},
	)

	SyncAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_sync_attempts_total",
			Help: "Outbox delivery attempts by outcome",
		},
		[]string{"outcome"}, // delivered|duplicate|rejected|failed
	)

	ReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldsync_replays_total",
			Help: "Replay-queue deliveries by outcome",
		},
		[]string{"outcome"},
	)

	PurgedRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldsync_purged_records_total",
			Help: "Sensitive records removed by the retention governor",
		},
	)
)

var registerOnce sync.Once

func MustRegister(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(
			SubmissionsTotal,
			SyncAttemptsTotal,
			ReplaysTotal,
			PurgedRecordsTotal,
		)
	})
}
