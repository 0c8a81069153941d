package remote

import (
	"context"
	"time"

	"github.com/caseworks/fieldsync/internal/logger"
	"github.com/caseworks/fieldsync/internal/model"
	"github.com/caseworks/fieldsync/internal/repository"
	"go.uber.org/zap"
)

// InterceptingSender wraps the direct client with the capture-on-failure
// behavior of the background agent's interception role: a request that fails
// with a transient error is appended verbatim to the replay queue and the
// caller gets a synthetic "accepted, queued" outcome so the UI can proceed
// optimistically. Rejections pass through unchanged; queueing them would
// retry bytes the server has already refused.
type InterceptingSender struct {
	direct Sender
	replay repository.ReplayRepository
	now    func() time.Time
}

func NewInterceptingSender(direct Sender, replay repository.ReplayRepository) *InterceptingSender {
	return &InterceptingSender{direct: direct, replay: replay, now: time.Now}
}

func (s *InterceptingSender) Send(ctx context.Context, entity model.EntityType, clientID, method, url string, headers, body []byte) Outcome {
	out := s.direct.Send(ctx, method, url, headers, body)
	if out.Kind != Failed {
		return out
	}

	captured := model.CapturedRequest{
		EntityType: entity,
		ClientID:   clientID,
		Method:     method,
		URL:        url,
		Headers:    headers,
		Body:       body,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.replay.Append(ctx, nil, captured); err != nil {
		// capture failed; report the original transport failure so the
		// outbox keeps the entry and the dispatcher retries
		logger.Log.Error("replay capture failed", zap.String("client_id", clientID), zap.Error(err))
		return out
	}

	logger.Log.Info("request captured for replay",
		zap.String("client_id", clientID), zap.String("entity", entity.String()))

	return Outcome{Kind: Queued}
}
