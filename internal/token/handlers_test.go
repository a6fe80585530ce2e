package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voltgrid/voltgrid/internal/auth"
)

func setupRouter(h *Handler, caller common.Address) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(func(c *gin.Context) {
		if caller != (common.Address{}) {
			c.Set(auth.ContextKeyAddress, caller)
		}
		c.Next()
	})
	h.RegisterProtectedRoutes(protected)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin("s3cret"))
	h.RegisterAdminRoutes(admin)
	return r
}

func serve(r http.Handler, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var out map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestHandler_MintApproveAndRead(t *testing.T) {
	ledger := NewLedger()
	r := setupRouter(NewHandler(ledger, ledger, custody), alice)
	admin := map[string]string{"X-Admin-Secret": "s3cret"}

	w, _ := serve(r, http.MethodPost, "/v1/admin/token/mint", gin.H{"address": alice.Hex(), "amount": "5"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, body := serve(r, http.MethodPost, "/v1/admin/token/mint", gin.H{"address": alice.Hex(), "amount": "5"}, admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "5", body["balance"])

	w, _ = serve(r, http.MethodPost, "/v1/admin/token/mint", gin.H{"address": alice.Hex(), "amount": "0"}, admin)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = serve(r, http.MethodPost, "/v1/token/approve", gin.H{"amount": "1.5"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1.5", body["allowance"])

	w, body = serve(r, http.MethodGet, "/v1/token/allowances/"+alice.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1.5", body["allowance"])

	w, body = serve(r, http.MethodGet, "/v1/token/balances/"+alice.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "5", body["balance"])

	w, body = serve(r, http.MethodGet, "/v1/token/history/"+alice.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["count"])

	w, body = serve(r, http.MethodGet, "/v1/token", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "memory", body["backend"])
	assert.Equal(t, "5", body["totalSupply"])

	w, _ = serve(r, http.MethodGet, "/v1/token/balances/0xnope", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ApproveRequiresCaller(t *testing.T) {
	ledger := NewLedger()
	r := setupRouter(NewHandler(ledger, ledger, custody), common.Address{})

	w, _ := serve(r, http.MethodPost, "/v1/token/approve", gin.H{"amount": "1"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

type chainReader struct{ err error }

func (c chainReader) Allowance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return nil, c.err
}

func (c chainReader) BalanceOf(context.Context, common.Address) (*big.Int, error) {
	return nil, c.err
}

func TestHandler_ChainBackend(t *testing.T) {
	r := setupRouter(NewHandler(chainReader{err: errors.New("rpc down")}, nil, custody), alice)

	w, body := serve(r, http.MethodGet, "/v1/token/balances/"+alice.Hex(), nil, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "token_unavailable", body["error"])

	w, _ = serve(r, http.MethodPost, "/v1/token/approve", gin.H{"amount": "1"}, nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	w, body = serve(r, http.MethodGet, "/v1/token", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "erc20", body["backend"])
	assert.NotContains(t, body, "totalSupply")
}
