package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opencatd/opencatd/internal/kv"
	"github.com/opencatd/opencatd/internal/ledger"
	"github.com/opencatd/opencatd/internal/metrics"
	"github.com/opencatd/opencatd/internal/proxy"
	"github.com/opencatd/opencatd/internal/registry"
)

// Deps carries everything the router wires together.
type Deps struct {
	Store     kv.Store
	Registry  *registry.Registry
	Ledger    *ledger.Ledger
	Proxy     *proxy.Proxy
	Collector *metrics.Collector
}

// NewRouter builds the gin engine: the owner-gated admin tree under /1, the
// member-gated proxy under /v1, and the unauthenticated init, health and
// metrics routes.
func NewRouter(deps Deps) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	users := NewUserHandler(deps.Registry)
	keys := NewKeyHandler(deps.Registry)
	usages := NewUsageHandler(deps.Ledger)
	health := NewHealthHandler(deps.Store)

	engine.GET("/healthz", health.Healthz)
	if deps.Collector != nil {
		engine.GET("/metrics", gin.WrapH(deps.Collector.Handler()))
	}

	engine.POST("/1/users/init", users.Init)

	admin := engine.Group("/1", OwnerAuth(deps.Registry))
	{
		admin.GET("/users", users.List)
		admin.POST("/users", users.Add)
		admin.DELETE("/users/:id", users.Delete)
		admin.POST("/users/:id/reset", users.Reset)

		admin.GET("/keys", keys.List)
		admin.POST("/keys", keys.Add)
		admin.DELETE("/keys/:id", keys.Delete)

		admin.GET("/me", users.Whoami)
		admin.GET("/usages", usages.List)
	}

	relay := engine.Group("/v1", MemberAuth(deps.Registry))
	relay.Any("/*path", deps.Proxy.Forward)

	return engine
}

// HealthHandler serves liveness checks.
type HealthHandler struct {
	store kv.Store
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(store kv.Store) *HealthHandler {
	return &HealthHandler{store: store}
}

// Healthz probes the store with a point read.
func (h *HealthHandler) Healthz(c *gin.Context) {
	if _, errGet := h.store.Get(c.Request.Context(), kv.Key("db", "config")); errGet != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
