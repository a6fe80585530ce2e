package token

import (
	"context"
	"errors"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/voltgrid/voltgrid/internal/auth"
	"github.com/voltgrid/voltgrid/internal/circuitbreaker"
	"github.com/voltgrid/voltgrid/internal/logging"
	"github.com/voltgrid/voltgrid/internal/units"
)

// Reader is the read side shared by every token backend.
type Reader interface {
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
}

// Handler exposes token balances and, for the in-memory ledger, the
// approve and mint operations a wallet would otherwise perform on chain.
type Handler struct {
	reader  Reader
	ledger  *Ledger // nil when backed by a real chain
	custody common.Address
}

// NewHandler creates a token handler. ledger may be nil.
func NewHandler(reader Reader, ledger *Ledger, custody common.Address) *Handler {
	return &Handler{reader: reader, ledger: ledger, custody: custody}
}

// RegisterRoutes sets up public token routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/token")
	g.GET("", h.Info)
	g.GET("/balances/:address", h.GetBalance)
	g.GET("/allowances/:address", h.GetAllowance)
	g.GET("/history/:address", h.GetHistory)
}

// RegisterProtectedRoutes sets up signed token routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/token/approve", h.Approve)
}

// RegisterAdminRoutes sets up operator token routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/token/mint", h.Mint)
}

type ApproveRequest struct {
	Amount string `json:"amount" binding:"required"`
}

type MintRequest struct {
	Address string `json:"address" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

func (h *Handler) backend() string {
	if h.ledger != nil {
		return "memory"
	}
	return "erc20"
}

func addressParam(c *gin.Context) (common.Address, bool) {
	s := c.Param("address")
	if !common.IsHexAddress(s) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
		})
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func (h *Handler) requireLedger(c *gin.Context) bool {
	if h.ledger == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_supported",
			"message": "Operation is only available with the in-memory token ledger",
		})
		return false
	}
	return true
}

func respondTokenError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
	case errors.Is(err, circuitbreaker.ErrOpen):
		c.Header("Retry-After", "30")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "token_unavailable", "message": "Token backend is failing; retry later"})
	default:
		logging.L(c.Request.Context()).Error("token request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "token_unavailable", "message": "Token backend unavailable"})
	}
}

// Info handles GET /v1/token
func (h *Handler) Info(c *gin.Context) {
	resp := gin.H{
		"backend":  h.backend(),
		"custody":  h.custody,
		"decimals": units.Decimals,
	}
	if h.ledger != nil {
		resp["totalSupply"] = units.FromBig(h.ledger.TotalSupply())
	}
	c.JSON(http.StatusOK, resp)
}

// GetBalance handles GET /v1/token/balances/:address
func (h *Handler) GetBalance(c *gin.Context) {
	addr, ok := addressParam(c)
	if !ok {
		return
	}
	bal, err := h.reader.BalanceOf(c.Request.Context(), addr)
	if err != nil {
		respondTokenError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "balance": units.FromBig(bal)})
}

// GetAllowance handles GET /v1/token/allowances/:address. The spender is
// always the market custody account.
func (h *Handler) GetAllowance(c *gin.Context) {
	addr, ok := addressParam(c)
	if !ok {
		return
	}
	allowance, err := h.reader.Allowance(c.Request.Context(), addr, h.custody)
	if err != nil {
		respondTokenError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": addr, "spender": h.custody, "allowance": units.FromBig(allowance)})
}

// GetHistory handles GET /v1/token/history/:address
func (h *Handler) GetHistory(c *gin.Context) {
	if !h.requireLedger(c) {
		return
	}
	addr, ok := addressParam(c)
	if !ok {
		return
	}
	entries := h.ledger.History(addr)
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// Approve handles POST /v1/token/approve
func (h *Handler) Approve(c *gin.Context) {
	if !h.requireLedger(c) {
		return
	}
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	amount, err := units.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}
	caller := auth.Caller(c)
	if caller == (common.Address{}) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Signed request required"})
		return
	}
	if err := h.ledger.Approve(c.Request.Context(), caller, h.custody, amount.Big()); err != nil {
		respondTokenError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": caller, "spender": h.custody, "allowance": amount})
}

// Mint handles POST /v1/token/mint
func (h *Handler) Mint(c *gin.Context) {
	if !h.requireLedger(c) {
		return
	}
	var req MintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if !common.IsHexAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "address must be a valid Ethereum address"})
		return
	}
	amount, err := units.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}
	to := common.HexToAddress(req.Address)
	if err := h.ledger.Mint(c.Request.Context(), to, amount.Big()); err != nil {
		respondTokenError(c, err)
		return
	}
	bal, _ := h.ledger.BalanceOf(c.Request.Context(), to)
	logging.L(c.Request.Context()).Info("tokens minted", "to", to.Hex(), "amount", amount.String())
	c.JSON(http.StatusOK, gin.H{"address": to, "minted": amount, "balance": units.FromBig(bal)})
}
