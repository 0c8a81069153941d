package http

import (
	"net/http"

	"github.com/caseworks/fieldsync/internal/retention"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// syncRunHandler nudges the dispatcher loop. The drain entry point is
// idempotent and reentrancy-safe, so a nudge while one is in flight is a
// harmless no-op.
func syncRunHandler(trigger chan<- struct{}) echo.HandlerFunc {
	return func(c echo.Context) error {
		select {
		case trigger <- struct{}{}:
		default:
		}
		return c.JSON(http.StatusAccepted, map[string]bool{"scheduled": true})
	}
}

// lifecycleHandler runs the retention purge synchronously: by the time the
// platform suspends the app the expired rows must already be gone.
func lifecycleHandler(gov *retention.Governor) echo.HandlerFunc {
	return func(c echo.Context) error {
		n, err := gov.PurgeExpired(c.Request().Context(), 0)
		if err != nil {
			log.Errorf("lifecycle purge: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "purge failed"})
		}
		return c.JSON(http.StatusOK, map[string]int{"purged": n})
	}
}
