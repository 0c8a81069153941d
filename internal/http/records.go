package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/caseworks/fieldsync/internal/model"
	"github.com/caseworks/fieldsync/internal/repository"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

type recordView struct {
	ClientID   string          `json:"clientId"`
	EntityType string          `json:"entityType"`
	RemoteID   *string         `json:"remoteId,omitempty"`
	Status     string          `json:"status"`
	LastError  *string         `json:"lastError,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	CreatedAt  string          `json:"createdAt"`
	UpdatedAt  string          `json:"updatedAt"`
	ExpiresAt  *string         `json:"expiresAt,omitempty"`
}

func toView(r model.Record, attempts int) recordView {
	v := recordView{
		ClientID:   r.ClientID,
		EntityType: r.EntityType.String(),
		RemoteID:   r.RemoteID,
		Status:     r.Status.String(),
		LastError:  r.LastError,
		Payload:    json.RawMessage(r.Payload),
		Attempts:   attempts,
		CreatedAt:  r.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:  r.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if r.ExpiresAt != nil {
		s := r.ExpiresAt.UTC().Format(time.RFC3339)
		v.ExpiresAt = &s
	}
	return v
}

func listRecordsHandler(records repository.RecordsRepository, outbox repository.OutboxRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		var entity model.EntityType
		if raw := c.QueryParam("entity"); raw != "" {
			var ok bool
			entity, ok = model.ParseEntityType(raw)
			if !ok {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid entity type"})
			}
		}

		now := time.Now().UTC()
		recs, err := records.List(ctx, entity, now)
		if err != nil {
			log.Errorf("list records: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		// attempt counts come from the live outbox entries; a record in
		// pending state with attempts at the cap is the "needs attention" view
		entries, err := outbox.List(ctx, now)
		if err != nil {
			log.Errorf("list outbox: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		attempts := make(map[string]int, len(entries))
		for _, e := range entries {
			attempts[e.ClientID] = e.Attempts
		}

		views := make([]recordView, 0, len(recs))
		for _, r := range recs {
			views = append(views, toView(r, attempts[r.ClientID]))
		}

		return c.JSON(http.StatusOK, map[string]any{"records": views})
	}
}

func getRecordHandler(records repository.RecordsRepository, outbox repository.OutboxRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		now := time.Now().UTC()
		rec, err := records.Get(ctx, c.Param("id"), now)
		if err != nil {
			log.Errorf("get record: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		if rec == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		}

		attempts := 0
		if entry, err := outbox.GetByClientID(ctx, rec.ClientID, now); err == nil && entry != nil {
			attempts = entry.Attempts
		}

		return c.JSON(http.StatusOK, toView(*rec, attempts))
	}
}
