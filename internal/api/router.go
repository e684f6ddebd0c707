package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/facegate/internal/api/handlers"
	"github.com/your-org/facegate/internal/api/ws"
	"github.com/your-org/facegate/internal/attendance"
	"github.com/your-org/facegate/internal/auth"
	"github.com/your-org/facegate/internal/queue"
	"github.com/your-org/facegate/internal/storage"
	"github.com/your-org/facegate/internal/workflow"
)

type RouterConfig struct {
	APIKey     string
	DB         *storage.PostgresStore
	MinIO      *storage.MinIOStore
	Producer   *queue.Producer
	Hub        *ws.Hub
	Manager    *workflow.Manager
	Attendance *attendance.Service
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.DB, cfg.MinIO, cfg.Producer)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	// WebSocket
	v1.GET("/ws", cfg.Hub.HandleWS)

	// Recognition workflows
	wfH := handlers.NewWorkflowHandler(cfg.DB, cfg.Manager)
	v1.POST("/stores/:storeId/enrollments", wfH.StartEnrollment)
	v1.POST("/stores/:storeId/identifications", wfH.StartIdentification)
	v1.GET("/workflows/:id", wfH.Get)
	v1.POST("/workflows/:id/capture", wfH.Capture)
	v1.POST("/workflows/:id/retake", wfH.Retake)
	v1.GET("/workflows/:id/still", wfH.Still)
	v1.DELETE("/workflows/:id", wfH.Delete)

	// Card fallback and attendance
	checkinH := handlers.NewCheckinHandler(cfg.DB, cfg.Attendance, cfg.Producer)
	v1.POST("/stores/:storeId/checkins/card", checkinH.CardCheckin)
	v1.GET("/stores/:storeId/attendance/open", checkinH.ListOpen)
	v1.GET("/stores/:storeId/customers/:id/attendance", checkinH.History)

	// Customers
	customerH := handlers.NewCustomerHandler(cfg.DB)
	v1.GET("/stores/:storeId/customers/:id", customerH.Get)

	return r
}
