package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"gorm.io/gorm"

	"refprice/internal/config"
	"refprice/internal/handler"
	"refprice/internal/middleware"
	"refprice/internal/repository"
	"refprice/internal/service"
)

// Deps is everything the HTTP layer needs, built once in main.
// DB, Redis and Repo may be nil when those backends are unavailable.
type Deps struct {
	DB           *gorm.DB
	Redis        redis.UniversalClient
	Repo         repository.ReferenceRepository
	Coordinators service.Coordinators
	Ingestion    service.IngestionService
	Webhooks     service.WebhookService
	Sync         service.SyncTrigger
	SyncStates   handler.SyncStates
}

// New wires all handlers and returns a configured Gin engine.
// Dependency graph: Handler ← Service ← Coordinator ← Cache/API/DB/Memory
func New(cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Global middleware chain (order matters)
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.CORS())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.RateLimiter(1000, time.Minute)) // 1000 req/min per IP

	// ── Handlers ─────────────────────────────────────────────────────────────
	referencesH := handler.NewReferencesHandler(d.Coordinators)
	webhookH := handler.NewWebhookHandler(d.Webhooks)
	adminH := handler.NewAdminHandler(d.Coordinators, d.Ingestion, d.Sync, d.SyncStates, d.Repo, d.Redis)

	// ── Routes ───────────────────────────────────────────────────────────────

	// Public
	r.GET("/health", handler.Health(d.DB, d.Redis, d.Coordinators))

	v1 := r.Group("/v1")
	{
		refs := v1.Group("/references/:source")
		{
			refs.GET("/search", referencesH.Search)
			refs.GET("/items/:id", referencesH.GetItem)
		}

		webhookRate := cfg.WebhookRatePerMinute
		if webhookRate <= 0 {
			webhookRate = 10
		}
		webhookLimiter := middleware.NewIPRateLimiter("webhook", webhookRate, time.Minute)
		v1.POST("/webhooks/:source", webhookLimiter.Handler(), webhookH.Receive)

		// Admin: disabled (503) when ADMIN_JWT_SECRET is unset
		admin := v1.Group("/admin/:source", middleware.JWTAuth(cfg.AdminJWTSecret), middleware.RequireRole(middleware.RoleAdmin))
		{
			admin.POST("/import", adminH.Import)
			admin.POST("/sync", adminH.Sync)
			admin.POST("/circuit/reset", adminH.ResetCircuit)
			admin.GET("/status", adminH.Status)
			admin.DELETE("/references", adminH.DeleteReferences)
		}
	}

	// Swagger UI, only enabled outside production
	if cfg.Env != "production" {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	return r
}
