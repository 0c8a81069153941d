package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/caseworks/fieldsync/internal/model"
	"github.com/caseworks/fieldsync/internal/remote"
	"github.com/caseworks/fieldsync/internal/service/intake"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

type submitReq struct {
	EntityType string          `json:"entityType"`
	Sensitive  *bool           `json:"sensitive"`
	Payload    json.RawMessage `json:"payload"`
}

func createSubmissionHandler(svc *intake.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req submitReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		entity, ok := model.ParseEntityType(req.EntityType)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid entity type"})
		}
		if len(req.Payload) == 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "empty payload"})
		}

		// intake data is sensitive unless the caller says otherwise
		sensitive := true
		if req.Sensitive != nil {
			sensitive = *req.Sensitive
		}

		rec, err := svc.Submit(c.Request().Context(), entity, req.Payload, sensitive)
		if err != nil {
			log.Errorf("submit failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error":       "not_saved",
				"description": "the record could not be stored locally",
			})
		}

		return c.JSON(http.StatusAccepted, map[string]any{
			"queued":   true,
			"clientId": rec.ClientID,
			"entity":   entity.String(),
		})
	}
}

type updateReq struct {
	Payload json.RawMessage `json:"payload"`
}

func updateSubmissionHandler(svc *intake.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req updateReq
		if err := c.Bind(&req); err != nil || len(req.Payload) == 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		rec, err := svc.Update(c.Request().Context(), c.Param("id"), req.Payload)
		switch {
		case errors.Is(err, intake.ErrNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		case errors.Is(err, intake.ErrNotEditable):
			return c.JSON(http.StatusConflict, map[string]string{"error": "already synced"})
		case err != nil:
			log.Errorf("update failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "not_saved"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"clientId": rec.ClientID,
			"status":   rec.Status.String(),
		})
	}
}

func discardSubmissionHandler(svc *intake.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := svc.Discard(c.Request().Context(), c.Param("id"))
		switch {
		case errors.Is(err, intake.ErrNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		case err != nil:
			log.Errorf("discard failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		return c.NoContent(http.StatusNoContent)
	}
}

// sendNowHandler is the optimistic direct-send path. The attempt goes
// through the interception wrapper: a transient failure lands the verbatim
// request in the replay queue and the UI gets "accepted, queued" instead of
// an error.
func sendNowHandler(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		clientID := c.Param("id")
		now := time.Now().UTC()

		entry, err := d.Outbox.GetByClientID(ctx, clientID, now)
		if err != nil {
			log.Errorf("load outbox entry: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		if entry == nil {
			// nothing queued: already delivered, discarded, expired, or never existed
			rec, err := d.Records.Get(ctx, clientID, now)
			if err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
			}
			if rec == nil {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
			}
			return c.JSON(http.StatusOK, map[string]any{
				"clientId": rec.ClientID,
				"status":   rec.Status.String(),
			})
		}

		out := d.Intercept.Send(ctx, entry.EntityType, entry.ClientID, entry.Method, entry.URL, entry.Headers, entry.Body)
		switch {
		case out.Confirmed():
			if out.Ack == nil {
				return c.JSON(http.StatusAccepted, map[string]any{"clientId": clientID, "status": "pending"})
			}
			if err := d.Applier.ApplyAck(ctx, *out.Ack); err != nil {
				log.Errorf("apply ack: %v", err)
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
			}
			return c.JSON(http.StatusOK, map[string]any{
				"clientId": clientID,
				"status":   model.StatusSynced.String(),
				"remoteId": out.Ack.RemoteID,
			})

		case out.Kind == remote.Rejected:
			if err := d.Applier.ApplyRejection(ctx, clientID, out.Message); err != nil {
				log.Errorf("apply rejection: %v", err)
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
			}
			return c.JSON(http.StatusUnprocessableEntity, map[string]any{
				"clientId": clientID,
				"status":   model.StatusError.String(),
				"message":  out.Message,
			})

		default:
			// Queued (captured for replay) or Failed (capture also failed);
			// either way the operation is still safely queued locally
			return c.JSON(http.StatusAccepted, map[string]any{
				"clientId": clientID,
				"status":   model.StatusPending.String(),
				"queued":   true,
			})
		}
	}
}

func deviceHandler(svc *intake.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := svc.DeviceID(c.Request().Context())
		if err != nil {
			log.Errorf("device id: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		return c.JSON(http.StatusOK, map[string]string{"deviceId": id})
	}
}
