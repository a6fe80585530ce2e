package mcpserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/voltgrid/voltgrid/internal/auth"
)

// Config holds the configuration for connecting to a VoltGrid server.
type Config struct {
	APIURL     string // Base URL, e.g. "http://localhost:8080"
	PrivateKey string // participant key, hex with or without 0x
}

// Client is an HTTP client for the VoltGrid API that signs transaction
// requests with the participant key.
type Client struct {
	baseURL    string
	key        *ecdsa.PrivateKey
	address    common.Address
	httpClient *http.Client
	now        func() time.Time
}

// NewClient parses the participant key and creates a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, errors.New("API URL is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.APIURL, "/"),
		key:        key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}, nil
}

// Address returns the participant address the client signs as.
func (c *Client) Address() common.Address { return c.address }

// apiError represents an error response from the server.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// doRequest calls the API. Signed requests carry the request-signing headers.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any, signed bool) (json.RawMessage, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var data []byte
	if body != nil {
		data, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		if err := auth.SignRequest(req, c.key, c.now()); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, &APIError{Status: resp.StatusCode, Kind: apiErr.Error, Message: apiErr.Message}
		}
		return nil, &APIError{Status: resp.StatusCode, Message: string(respBody)}
	}

	return json.RawMessage(respBody), nil
}

func dryRunQuery(dry bool) url.Values {
	if !dry {
		return nil
	}
	return url.Values{"dryRun": {"true"}}
}

// ListOffers returns active listings.
func (c *Client) ListOffers(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/listings", url.Values{"active": {"true"}}, nil, false)
}

// MarketStats returns the market aggregates.
func (c *Client) MarketStats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/market/stats", nil, nil, false)
}

// Me returns the caller's user record.
func (c *Client) Me(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/me", nil, nil, true)
}

// Balance returns the caller's settlement token balance.
func (c *Client) Balance(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/token/balances/"+c.address.Hex(), nil, nil, false)
}

// Allowance returns what the caller has approved for the market custody.
func (c *Client) Allowance(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/token/allowances/"+c.address.Hex(), nil, nil, false)
}

// Register registers the caller with a name and role.
func (c *Client) Register(ctx context.Context, name, role string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/users", nil, map[string]string{"name": name, "role": role}, true)
}

// ListEnergy offers amount kWh at price per kWh.
func (c *Client) ListEnergy(ctx context.Context, amount uint64, price, energyType string) (json.RawMessage, error) {
	body := map[string]any{"amount": amount, "price": price, "energyType": energyType}
	return c.doRequest(ctx, http.MethodPost, "/v1/listings", nil, body, true)
}

// Buy purchases from a listing.
func (c *Client) Buy(ctx context.Context, producer string, index uint64, payment string, dry bool) (json.RawMessage, error) {
	path := "/v1/listings/" + producer + "/" + strconv.FormatUint(index, 10) + "/buy"
	return c.doRequest(ctx, http.MethodPost, path, dryRunQuery(dry), map[string]string{"payment": payment}, true)
}

// MyEscrows returns escrows where the caller is buyer or seller.
func (c *Client) MyEscrows(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/users/"+c.address.Hex()+"/escrows", nil, nil, false)
}

// ConfirmDelivery marks an escrow delivered. Seller only.
func (c *Client) ConfirmDelivery(ctx context.Context, escrowID uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+strconv.FormatUint(escrowID, 10)+"/deliver", nil, nil, true)
}

// ReleaseFunds pays the seller. Buyer only.
func (c *Client) ReleaseFunds(ctx context.Context, escrowID uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+strconv.FormatUint(escrowID, 10)+"/release", nil, nil, true)
}

// OpenDispute files a dispute, optionally against an escrow.
func (c *Client) OpenDispute(ctx context.Context, respondent, reason string, escrowID *uint64) (json.RawMessage, error) {
	body := map[string]any{"respondent": respondent, "reason": reason}
	if escrowID != nil {
		body["escrowId"] = *escrowID
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/disputes", nil, body, true)
}

// ResolveDispute resolves a dispute. Council only.
func (c *Client) ResolveDispute(ctx context.Context, id uint64, details, outcome string) (json.RawMessage, error) {
	body := map[string]string{"details": details, "outcome": outcome}
	return c.doRequest(ctx, http.MethodPost, "/v1/disputes/"+strconv.FormatUint(id, 10)+"/resolve", nil, body, true)
}

// Notifications returns the caller's notification log.
func (c *Client) Notifications(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/users/"+c.address.Hex()+"/notifications", nil, nil, false)
}
