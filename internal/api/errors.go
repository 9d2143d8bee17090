package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/opencatd/opencatd/internal/kv"
	"github.com/opencatd/opencatd/internal/registry"
)

// respondError maps the registry and store failure taxonomy onto HTTP
// statuses: precondition failures are 403, absent targets 404, optimistic
// concurrency losses 409. Conflicts are never retried here; the caller
// re-attempts if it wants to.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrAlreadyInitialized):
		c.JSON(http.StatusForbidden, gin.H{"error": "super user already exists, please input token"})
	case errors.Is(err, registry.ErrNotInitialized):
		c.JSON(http.StatusForbidden, gin.H{"error": "db config not initialized"})
	case errors.Is(err, registry.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, kv.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "commit conflict"})
	default:
		log.WithError(err).Error("api: request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
