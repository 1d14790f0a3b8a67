// Package api assembles the HTTP surface: the gin engine, middleware
// chain, proxy and admin routes, and the server lifecycle.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kleisproxy/kleis/internal/account"
	"github.com/kleisproxy/kleis/internal/api/handlers"
	adminHandlers "github.com/kleisproxy/kleis/internal/api/handlers/admin"
	"github.com/kleisproxy/kleis/internal/api/middleware"
	"github.com/kleisproxy/kleis/internal/config"
	"github.com/kleisproxy/kleis/internal/logging"
	"github.com/kleisproxy/kleis/internal/metrics"
	"github.com/kleisproxy/kleis/internal/providers"
	"github.com/kleisproxy/kleis/internal/ratelimit"
	"github.com/kleisproxy/kleis/internal/registry"
	"github.com/kleisproxy/kleis/internal/store"
	"github.com/kleisproxy/kleis/internal/usage"
	log "github.com/sirupsen/logrus"
)

// Server is the assembled HTTP server.
type Server struct {
	engine *gin.Engine
	server *http.Server
}

// Deps carries the services the server wires together.
type Deps struct {
	Config     *config.Holder
	Store      *store.Store
	Accounts   *account.Service
	Usage      *usage.Manager
	Registry   *registry.Service
	Limiter    *ratelimit.Limiter
	HTTPClient *http.Client
}

// NewServer builds the engine, middleware chain, and routes.
func NewServer(deps Deps) *Server {
	cfg := deps.Config.Load()
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(logging.GinLogrusLogger())
	engine.Use(middleware.CORS(deps.Config))

	limiter := deps.Limiter
	if limiter == nil {
		limiter = ratelimit.NewLimiter()
	}
	public := handlers.New(deps.Accounts, deps.Usage, deps.Registry, deps.Config, deps.HTTPClient)
	admin := adminHandlers.New(deps.Store, deps.Accounts)

	engine.GET("/healthz", public.Health)
	engine.GET("/api.json", public.ModelsDocument(deps.Store))
	engine.GET("/metrics", func(c *gin.Context) {
		if !deps.Config.Load().Metrics {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		metrics.Handler().ServeHTTP(c.Writer, c.Request)
	})

	auth := middleware.APIKeyAuth(deps.Store, limiter)
	for _, route := range providers.Routes() {
		engine.POST(route.Path, auth, public.Proxy)
	}

	adminGroup := engine.Group("/admin", middleware.AdminAuth(deps.Config, limiter))
	{
		// The wildcard segment carries an account id for primary/refresh
		// and a provider name for the oauth/import routes; gin requires a
		// single param name per position.
		adminGroup.GET("/accounts", admin.ListAccounts)
		adminGroup.POST("/accounts/:id/primary", admin.SetPrimaryAccount)
		adminGroup.POST("/accounts/:id/refresh", admin.RefreshAccount)
		adminGroup.POST("/accounts/:id/oauth/start", admin.StartOAuth)
		adminGroup.POST("/accounts/:id/oauth/complete", admin.CompleteOAuth)
		adminGroup.POST("/accounts/:id/import", admin.ImportAccount)
		adminGroup.DELETE("/accounts/:id", admin.DeleteAccount)

		adminGroup.GET("/keys", admin.ListKeys)
		adminGroup.POST("/keys", admin.CreateKey)
		adminGroup.GET("/keys/usage", admin.KeysUsage)
		adminGroup.PATCH("/keys/:id", admin.UpdateKey)
		adminGroup.POST("/keys/:id/revoke", admin.RevokeKey)
		adminGroup.DELETE("/keys/:id", admin.DeleteKey)
		adminGroup.GET("/keys/:id/usage", admin.KeyUsage)

		adminGroup.GET("/usage/dashboard", admin.UsageDashboard)
	}

	return &Server{
		engine: engine,
		server: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler: engine,
		},
	}
}

// Engine exposes the gin engine for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start blocks serving requests until Shutdown is called or the listener
// fails.
func (s *Server) Start() error {
	log.WithField("addr", s.server.Addr).Info("kleis listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
