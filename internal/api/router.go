package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/gatepass/internal/api/handlers"
	"github.com/your-org/gatepass/internal/api/ws"
	"github.com/your-org/gatepass/internal/auth"
)

// Store is everything the HTTP layer needs from Postgres.
type Store interface {
	handlers.PersonStore
	handlers.JobStore
}

type RouterConfig struct {
	APIKey  string
	Store   Store
	Objects handlers.ObjectStore
	Jobs    handlers.JobPublisher
	Engine  Engine
	Changes Changes
	Gallery handlers.GalleryIndex
	Hub     *ws.Hub
	Checks  map[string]handlers.Pinger
}

// Engine is the scan decision engine with its live settings.
type Engine interface {
	handlers.Verifier
	handlers.MatchSettings
}

// Changes records changes and serves the change feed.
type Changes interface {
	handlers.ChangeNotifier
	handlers.ChangeFeed
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(cors.Default())

	// System endpoints (no auth)
	systemH := handlers.NewSystemHandler(cfg.Checks)
	r.GET("/healthz", systemH.Healthz)
	r.GET("/readyz", systemH.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 (with auth)
	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	// Gate
	verifyH := handlers.NewVerifyHandler(cfg.Engine)
	v1.POST("/verify", verifyH.Verify)

	// Change feed
	changesH := handlers.NewChangesHandler(cfg.Changes)
	v1.GET("/changes", changesH.List)
	if cfg.Hub != nil {
		v1.GET("/ws", cfg.Hub.HandleWS)
	}

	// Admin
	admin := v1.Group("/admin")

	personH := handlers.NewPersonHandler(cfg.Store, cfg.Objects, cfg.Gallery, cfg.Changes)
	admin.GET("/persons", personH.List)
	admin.GET("/persons/:id", personH.Get)
	admin.PATCH("/persons/:id", personH.Update)
	admin.DELETE("/persons/:id", personH.Delete)
	admin.POST("/persons/:id/block", personH.Block)
	admin.POST("/persons/:id/unblock", personH.Unblock)
	admin.GET("/persons/:id/photo", personH.Photo)
	admin.GET("/persons/:id/card", personH.Card)
	admin.GET("/persons/:id/entries", personH.Entries)

	adminH := handlers.NewAdminHandler(cfg.Store, cfg.Jobs, cfg.Engine)
	admin.POST("/reprocess", adminH.Reprocess)
	admin.GET("/jobs", adminH.ListJobs)
	admin.GET("/conflicts", adminH.ListConflicts)
	admin.GET("/settings/face-match", adminH.GetSettings)
	admin.PUT("/settings/face-match", adminH.PutSettings)

	return r
}
