package http

import (
	"context"
	"net/http"

	"github.com/caseworks/fieldsync/internal/config"
	"github.com/caseworks/fieldsync/internal/http/middleware"
	"github.com/caseworks/fieldsync/internal/metrics"
	"github.com/caseworks/fieldsync/internal/remote"
	"github.com/caseworks/fieldsync/internal/repository"
	"github.com/caseworks/fieldsync/internal/retention"
	"github.com/caseworks/fieldsync/internal/service/intake"
	"github.com/caseworks/fieldsync/internal/syncer"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps carries the wired engine components the handlers close over.
type Deps struct {
	Intake    *intake.Service
	Records   repository.RecordsRepository
	Outbox    repository.OutboxRepository
	Applier   *syncer.Applier
	Governor  *retention.Governor
	Intercept *remote.InterceptingSender

	// SyncTrigger nudges the dispatcher loop; the drain itself is idempotent
	// so redundant nudges are harmless.
	SyncTrigger chan<- struct{}
}

type Server struct{ e *echo.Echo }

func NewServer(cfg config.Config, d Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	authMW := middleware.TokenMiddleware(cfg.HTTP.Token)

	v1 := e.Group("/v1", authMW)
	v1.POST("/submissions", createSubmissionHandler(d.Intake))
	v1.PUT("/submissions/:id", updateSubmissionHandler(d.Intake))
	v1.DELETE("/submissions/:id", discardSubmissionHandler(d.Intake))
	v1.POST("/submissions/:id/send", sendNowHandler(d))
	v1.GET("/records", listRecordsHandler(d.Records, d.Outbox))
	v1.GET("/records/:id", getRecordHandler(d.Records, d.Outbox))
	v1.GET("/device", deviceHandler(d.Intake))
	v1.POST("/sync/run", syncRunHandler(d.SyncTrigger))
	v1.POST("/lifecycle/hidden", lifecycleHandler(d.Governor))
	v1.POST("/lifecycle/logout", lifecycleHandler(d.Governor))

	return &Server{e: e}
}

func (s *Server) Start(addr string) error            { return s.e.Start(addr) }
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
func (s *Server) Handler() http.Handler              { return s.e }
