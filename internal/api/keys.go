package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/opencatd/opencatd/internal/registry"
	"github.com/opencatd/opencatd/internal/security"
)

// KeyHandler serves the upstream key registry endpoints.
type KeyHandler struct {
	registry *registry.Registry
}

// NewKeyHandler constructs a KeyHandler.
func NewKeyHandler(reg *registry.Registry) *KeyHandler {
	return &KeyHandler{registry: reg}
}

// List returns all upstream keys with their secrets masked.
func (h *KeyHandler) List(c *gin.Context) {
	keys, errList := h.registry.ListKeys(c.Request.Context())
	if errList != nil {
		respondError(c, errList)
		return
	}
	for i := range keys {
		keys[i].Key = security.MaskKey(keys[i].Key)
	}
	c.JSON(http.StatusOK, keys)
}

// addKeyRequest is the Add payload.
type addKeyRequest struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// Add stores a new upstream key.
func (h *KeyHandler) Add(c *gin.Context) {
	var req addKeyRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil || strings.TrimSpace(req.Key) == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "key is required"})
		return
	}
	upstream, errAdd := h.registry.AddKey(c.Request.Context(), req.Name, req.Key)
	if errAdd != nil {
		respondError(c, errAdd)
		return
	}
	c.JSON(http.StatusOK, upstream)
}

// Delete removes an upstream key; deleting an absent id succeeds.
func (h *KeyHandler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if errDelete := h.registry.DeleteKey(c.Request.Context(), id); errDelete != nil {
		respondError(c, errDelete)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}
