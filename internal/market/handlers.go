package market

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/voltgrid/voltgrid/internal/auth"
	"github.com/voltgrid/voltgrid/internal/logging"
	"github.com/voltgrid/voltgrid/internal/units"
)

// Handler provides HTTP endpoints for market operations.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new market handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up public (read-only) market routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users", h.ListUsers)
	r.GET("/users/:address", h.GetUser)
	r.GET("/users/:address/registered", h.IsRegistered)
	r.GET("/users/:address/role", h.GetUserType)
	r.GET("/users/:address/production", h.GetProduction)
	r.GET("/users/:address/consumption", h.GetConsumption)
	r.GET("/users/:address/escrows", h.ListEscrows)
	r.GET("/users/:address/notifications", h.GetNotifications)
	r.GET("/listings", h.ListListings)
	r.GET("/listings/:producer/:index", h.GetListing)
	r.GET("/escrows/count", h.EscrowCount)
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/disputes", h.ListDisputes)
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/market/price", h.GetPrice)
	r.GET("/market/stats", h.GetStats)
	r.GET("/events", h.ListEvents)
}

// RegisterProtectedRoutes sets up signed (transaction) market routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/users", h.RegisterUser)
	r.GET("/me", h.GetProfile)
	r.POST("/listings", h.ListEnergy)
	r.POST("/listings/:producer/:index/buy", h.BuyEnergy)
	r.POST("/escrows/:id/deliver", h.ConfirmDelivery)
	r.POST("/escrows/:id/release", h.ReleaseFunds)
	r.POST("/disputes", h.InitiateDispute)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
	r.DELETE("/notifications", h.ClearNotifications)
	r.POST("/market/price/update", h.UpdatePrice)
}

// RegisterRequest is the body of POST /v1/users.
type RegisterRequest struct {
	Name string          `json:"name" binding:"required"`
	Role json.RawMessage `json:"role" binding:"required"`
}

// ListEnergyRequest is the body of POST /v1/listings.
type ListEnergyRequest struct {
	Amount     uint64          `json:"amount"`
	Price      string          `json:"price" binding:"required"`
	EnergyType json.RawMessage `json:"energyType" binding:"required"`
}

// BuyRequest is the body of POST /v1/listings/:producer/:index/buy.
type BuyRequest struct {
	Payment string `json:"payment"`
}

// DisputeRequest is the body of POST /v1/disputes.
type DisputeRequest struct {
	Respondent string  `json:"respondent" binding:"required"`
	Reason     string  `json:"reason"`
	EscrowID   *uint64 `json:"escrowId"`
}

// ResolveRequest is the body of POST /v1/disputes/:id/resolve.
type ResolveRequest struct {
	Details string `json:"details"`
	Outcome string `json:"outcome"`
}

func respondError(c *gin.Context, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("market request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	c.JSON(status, gin.H{"error": Kind(err), "message": err.Error()})
}

func badRequest(c *gin.Context, code, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": msg})
}

func addressParam(c *gin.Context, name string) (common.Address, bool) {
	s := c.Param(name)
	if !common.IsHexAddress(s) {
		badRequest(c, "invalid_address", name+" must be a valid Ethereum address (0x + 40 hex chars)")
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func uintParam(c *gin.Context, name string) (uint64, bool) {
	n, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		badRequest(c, "invalid_"+name, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// enumText accepts a JSON string or number and returns its text.
func enumText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// txContext marks the request context for estimation when ?dryRun=true.
func txContext(c *gin.Context) (context.Context, bool) {
	ctx := c.Request.Context()
	if dry, _ := strconv.ParseBool(c.Query("dryRun")); dry {
		return WithDryRun(ctx), true
	}
	return ctx, false
}

func txStatus(dry bool, created bool) int {
	if created && !dry {
		return http.StatusCreated
	}
	return http.StatusOK
}

// RegisterUser handles POST /v1/users
func (h *Handler) RegisterUser(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}
	role, err := ParseRole(enumText(req.Role))
	if err != nil {
		respondError(c, err)
		return
	}

	ctx, dry := txContext(c)
	user, err := h.engine.RegisterUser(ctx, auth.Caller(c), req.Name, role)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(txStatus(dry, true), gin.H{"user": user, "dryRun": dry})
}

// ListUsers handles GET /v1/users
func (h *Handler) ListUsers(c *gin.Context) {
	users, err := h.engine.GetAllUsers(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

// GetUser handles GET /v1/users/:address
func (h *Handler) GetUser(c *gin.Context) {
	addr, ok := addressParam(c, "address")
	if !ok {
		return
	}
	user, err := h.engine.GetUser(c.Request.Context(), addr)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// GetProfile handles GET /v1/me
func (h *Handler) GetProfile(c *gin.Context) {
	user, err := h.engine.GetUser(c.Request.Context(), auth.Caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

// IsRegistered handles GET /v1/users/:address/registered
func (h *Handler) IsRegistered(c *gin.Context) {
	addr, ok := addressParam(c, "address")
	if !ok {
		return
	}
	registered, err := h.engine.IsRegistered(c.Request.Context(), addr)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "registered": registered})
}

// GetUserType handles GET /v1/users/:address/role
func (h *Handler) GetUserType(c *gin.Context) {
	addr, ok := addressParam(c, "address")
	if !ok {
		return
	}
	role, err := h.engine.GetUserType(c.Request.Context(), addr)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "role": role, "code": uint8(role)})
}

// GetProduction handles GET /v1/users/:address/production
func (h *Handler) GetProduction(c *gin.Context) {
	addr, ok := addressParam(c, "address")
	if !ok {
		return
	}
	records, err := h.engine.GetProducedRecords(c.Request.Context(), addr)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// GetConsumption handles GET /v1/users/:address/consumption
func (h *Handler) GetConsumption(c *gin.Context) {
	addr, ok := addressParam(c, "address")
	if !ok {
		return
	}
	records, err := h.engine.GetConsumedRecords(c.Request.Context(), addr)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// ListEscrows handles GET /v1/users/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	addr, ok := addressParam(c, "address")
	if !ok {
		return
	}
	escrows, err := h.engine.GetEscrowsByParty(c.Request.Context(), addr)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows, "count": len(escrows)})
}

// GetNotifications handles GET /v1/users/:address/notifications
func (h *Handler) GetNotifications(c *gin.Context) {
	addr, ok := addressParam(c, "address")
	if !ok {
		return
	}
	notes, err := h.engine.GetNotifications(c.Request.Context(), addr)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": notes, "count": len(notes)})
}

// ClearNotifications handles DELETE /v1/notifications
func (h *Handler) ClearNotifications(c *gin.Context) {
	ctx, dry := txContext(c)
	removed, err := h.engine.ClearNotifications(ctx, auth.Caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed, "dryRun": dry})
}

// ListEnergy handles POST /v1/listings
func (h *Handler) ListEnergy(c *gin.Context) {
	var req ListEnergyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}
	price, err := units.Parse(req.Price)
	if err != nil {
		badRequest(c, "invalid_price", err.Error())
		return
	}
	energyType, err := ParseEnergyType(enumText(req.EnergyType))
	if err != nil {
		respondError(c, err)
		return
	}

	ctx, dry := txContext(c)
	listing, err := h.engine.ListEnergy(ctx, auth.Caller(c), req.Amount, price, energyType)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(txStatus(dry, true), gin.H{"listing": listing, "dryRun": dry})
}

// ListListings handles GET /v1/listings
func (h *Handler) ListListings(c *gin.Context) {
	listings, err := h.engine.FetchAllListings(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	if active, _ := strconv.ParseBool(c.Query("active")); active {
		filtered := listings[:0]
		for _, l := range listings {
			if l.Active {
				filtered = append(filtered, l)
			}
		}
		listings = filtered
	}
	c.JSON(http.StatusOK, gin.H{"listings": listings, "count": len(listings)})
}

// GetListing handles GET /v1/listings/:producer/:index
func (h *Handler) GetListing(c *gin.Context) {
	producer, ok := addressParam(c, "producer")
	if !ok {
		return
	}
	index, ok := uintParam(c, "index")
	if !ok {
		return
	}
	listing, err := h.engine.GetListing(c.Request.Context(), producer, index)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": listing})
}

// BuyEnergy handles POST /v1/listings/:producer/:index/buy
func (h *Handler) BuyEnergy(c *gin.Context) {
	producer, ok := addressParam(c, "producer")
	if !ok {
		return
	}
	index, ok := uintParam(c, "index")
	if !ok {
		return
	}
	var req BuyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}
	payment, err := units.Parse(req.Payment)
	if err != nil {
		badRequest(c, "invalid_amount", err.Error())
		return
	}

	ctx, dry := txContext(c)
	escrow, err := h.engine.BuyEnergy(ctx, auth.Caller(c), producer, index, payment)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(txStatus(dry, true), gin.H{"escrow": escrow, "dryRun": dry})
}

// EscrowCount handles GET /v1/escrows/count
func (h *Handler) EscrowCount(c *gin.Context) {
	n, err := h.engine.EscrowCounter(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrowCounter": n})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	escrow, err := h.engine.GetEscrow(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ConfirmDelivery handles POST /v1/escrows/:id/deliver
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	ctx, dry := txContext(c)
	escrow, err := h.engine.ConfirmDelivery(ctx, auth.Caller(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow, "dryRun": dry})
}

// ReleaseFunds handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseFunds(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	ctx, dry := txContext(c)
	escrow, err := h.engine.ReleaseFunds(ctx, auth.Caller(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow, "dryRun": dry})
}

// InitiateDispute handles POST /v1/disputes
func (h *Handler) InitiateDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if !common.IsHexAddress(req.Respondent) {
		badRequest(c, "invalid_address", "respondent must be a valid Ethereum address (0x + 40 hex chars)")
		return
	}

	ctx, dry := txContext(c)
	dispute, err := h.engine.InitiateDispute(ctx, auth.Caller(c), common.HexToAddress(req.Respondent), req.Reason, req.EscrowID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(txStatus(dry, true), gin.H{"dispute": dispute, "dryRun": dry})
}

// ResolveDispute handles POST /v1/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid request body")
		return
	}
	outcome, err := ParseOutcome(req.Outcome)
	if err != nil {
		respondError(c, err)
		return
	}

	ctx, dry := txContext(c)
	dispute, err := h.engine.ResolveDispute(ctx, auth.Caller(c), id, req.Details, outcome)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute, "dryRun": dry})
}

// ListDisputes handles GET /v1/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	disputes, err := h.engine.GetDisputes(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	dispute, err := h.engine.GetDispute(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// GetPrice handles GET /v1/market/price
func (h *Handler) GetPrice(c *gin.Context) {
	m, err := h.engine.MarketState(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dynamicPrice": m.DynamicPrice, "market": m})
}

// UpdatePrice handles POST /v1/market/price/update
func (h *Handler) UpdatePrice(c *gin.Context) {
	ctx, dry := txContext(c)
	price, err := h.engine.UpdatePrice(ctx, auth.Caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dynamicPrice": price, "dryRun": dry})
}

// GetStats handles GET /v1/market/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.engine.MarketStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// ListEvents handles GET /v1/events?since=&limit=
func (h *Handler) ListEvents(c *gin.Context) {
	var since uint64
	if s := c.Query("since"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			badRequest(c, "invalid_since", "since must be a non-negative integer")
			return
		}
		since = n
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	events, err := h.engine.Events(c.Request.Context(), since, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
