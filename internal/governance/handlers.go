package governance

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/voltgrid/voltgrid/internal/auth"
	"github.com/voltgrid/voltgrid/internal/logging"
)

// Handler provides HTTP endpoints for the dispute council.
type Handler struct {
	council *Council
}

// NewHandler creates a council handler.
func NewHandler(council *Council) *Handler {
	return &Handler{council: council}
}

// RegisterRoutes sets up public council routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/council", h.List)
}

// RegisterProtectedRoutes sets up signed council routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/council", h.Add)
	r.DELETE("/council/:address", h.Remove)
}

type AddMemberRequest struct {
	Address string `json:"address" binding:"required"`
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": err.Error()})
	case errors.Is(err, ErrAlreadyMember):
		c.JSON(http.StatusConflict, gin.H{"error": "already_member", "message": err.Error()})
	case errors.Is(err, ErrNotMember):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_member", "message": err.Error()})
	case errors.Is(err, ErrInvalidMember):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("council request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}

// List handles GET /v1/council
func (h *Handler) List(c *gin.Context) {
	members, err := h.council.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if members == nil {
		members = []*Member{}
	}
	c.JSON(http.StatusOK, gin.H{
		"owner":   h.council.Owner(),
		"members": members,
		"count":   len(members),
	})
}

// Add handles POST /v1/council
func (h *Handler) Add(c *gin.Context) {
	var req AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if !common.IsHexAddress(req.Address) {
		respondError(c, ErrInvalidMember)
		return
	}
	m, err := h.council.Add(c.Request.Context(), auth.Caller(c), common.HexToAddress(req.Address))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"member": m})
}

// Remove handles DELETE /v1/council/:address
func (h *Handler) Remove(c *gin.Context) {
	s := c.Param("address")
	if !common.IsHexAddress(s) {
		respondError(c, ErrInvalidMember)
		return
	}
	if err := h.council.Remove(c.Request.Context(), auth.Caller(c), common.HexToAddress(s)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": common.HexToAddress(s)})
}
