package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"strategy-core/internal/balance"
	"strategy-core/internal/events"
	"strategy-core/internal/fsm"
	"strategy-core/internal/monitor"
	"strategy-core/internal/order"
	"strategy-core/internal/strategy"
	"strategy-core/pkg/cache"
)

// Strategies is the operator surface of the strategy engine.
type Strategies interface {
	List() []strategy.Status
	Status(id string) (strategy.Status, error)
	Force(id string, s fsm.State) error
	Reset(ctx context.Context, id string, s ...fsm.State) error
}

// Orders reads settled and working order records.
type Orders interface {
	Load(ctx context.Context, orderID string) (order.Record, error)
}

// MarketCache is the admin view of the market data cache.
type MarketCache interface {
	Stats() cache.Stats
	Policy() *cache.TTLPolicy
	Invalidate(ctx context.Context, instrument string) int
}

// Deps are the components served over HTTP. Balance and Bus are optional.
type Deps struct {
	Strategies Strategies
	Orders     Orders
	Cache      MarketCache
	Health     *monitor.Health
	Metrics    *monitor.SystemMetrics
	Bus        *events.Bus
	Balance    *balance.Manager
}

// Auth configures operator login. An empty JWTSecret disables every
// protected route.
type Auth struct {
	JWTSecret            string
	OperatorUser         string
	OperatorPasswordHash string
	TokenTTL             time.Duration
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	NodeID       string   `json:"node_id"`
	DryRun       bool     `json:"dry_run"`
	Venue        string   `json:"venue"`
	StoreBackend string   `json:"store_backend"`
	Symbols      []string `json:"symbols"`
	Version      string   `json:"version"`
}

// Server wires HTTP endpoints around the engine.
type Server struct {
	Router *gin.Engine

	deps    Deps
	auth    Auth
	meta    SystemMeta
	limiter *ipLimiter
	log     *zap.Logger
	started time.Time
}

func NewServer(deps Deps, auth Auth, meta SystemMeta, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if auth.TokenTTL <= 0 {
		auth.TokenTTL = 12 * time.Hour
	}
	log = log.With(zap.String("component", "api"))

	s := &Server{
		Router:  gin.New(),
		deps:    deps,
		auth:    auth,
		meta:    meta,
		limiter: newIPLimiter(20, 50),
		log:     log,
		started: time.Now(),
	}

	// Middleware stack (order matters!)
	s.Router.Use(gin.Recovery())
	s.Router.Use(RequestIDMiddleware())
	s.Router.Use(RequestLogger(log))
	s.Router.Use(s.limiter.middleware(log))
	s.Router.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/cache/stats", s.getCacheStats)

		api.POST("/auth/token", s.issueToken)

		api.GET("/strategies", s.getStrategies)
		api.GET("/strategies/:id", s.getStrategy)
		api.GET("/orders/:id", s.getOrder)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.auth.JWTSecret))
		{
			protected.POST("/strategies/:id/force", s.forceStrategy)
			protected.POST("/strategies/:id/reset", s.resetStrategy)
			protected.DELETE("/cache/:instrument", s.invalidateCache)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.deps.Health.Healthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":     status,
		"components": s.deps.Health.Components(),
	})
}

// Run serves addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.limiter.sweepEvery(ctx, 5*time.Minute)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("http server stopped")
	return nil
}
