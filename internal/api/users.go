package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/opencatd/opencatd/internal/registry"
)

// UserHandler serves the member registry endpoints.
type UserHandler struct {
	registry *registry.Registry
}

// NewUserHandler constructs a UserHandler.
func NewUserHandler(reg *registry.Registry) *UserHandler {
	return &UserHandler{registry: reg}
}

// Init bootstraps the owner member. It is intentionally unauthenticated:
// whoever calls it first on an empty store becomes the owner, and every
// later call is rejected.
func (h *UserHandler) Init(c *gin.Context) {
	owner, errInit := h.registry.InitOwner(c.Request.Context())
	if errInit != nil {
		respondError(c, errInit)
		return
	}
	c.JSON(http.StatusOK, owner)
}

// List returns all members, credentials included; the route is owner-gated.
func (h *UserHandler) List(c *gin.Context) {
	members, errList := h.registry.ListMembers(c.Request.Context())
	if errList != nil {
		respondError(c, errList)
		return
	}
	c.JSON(http.StatusOK, members)
}

// addUserRequest is the Add payload.
type addUserRequest struct {
	Name string `json:"name"`
}

// Add registers a new member with a fresh credential.
func (h *UserHandler) Add(c *gin.Context) {
	var req addUserRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil || strings.TrimSpace(req.Name) == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "name is required"})
		return
	}
	member, errAdd := h.registry.AddMember(c.Request.Context(), req.Name)
	if errAdd != nil {
		respondError(c, errAdd)
		return
	}
	c.JSON(http.StatusOK, member)
}

// Delete removes a member; deleting an absent id succeeds.
func (h *UserHandler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if errDelete := h.registry.DeleteMember(c.Request.Context(), id); errDelete != nil {
		respondError(c, errDelete)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

// Reset rotates a member's credential.
func (h *UserHandler) Reset(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	member, errReset := h.registry.ResetMember(c.Request.Context(), id)
	if errReset != nil {
		respondError(c, errReset)
		return
	}
	c.JSON(http.StatusOK, member)
}

// Whoami returns the owner record for the authenticated owner.
func (h *UserHandler) Whoami(c *gin.Context) {
	owner, errOwner := h.registry.Owner(c.Request.Context())
	if errOwner != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found root user, please init service"})
		return
	}
	c.JSON(http.StatusOK, owner)
}

// parseID validates the :id path parameter as a non-negative integer,
// answering 403 itself when it is malformed.
func parseID(c *gin.Context) (int, bool) {
	id, errParse := strconv.Atoi(c.Param("id"))
	if errParse != nil || id < 0 {
		c.JSON(http.StatusForbidden, gin.H{"error": "id is not a number"})
		return 0, false
	}
	return id, true
}
