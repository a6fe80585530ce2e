package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/voltgrid/voltgrid/internal/market"
)

// Handlers implements the MCP tool handlers.
type Handlers struct {
	client *Client
}

// NewHandlers creates handlers backed by the given client.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

func toolError(action string, err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, err)), nil
}

// requireID reads a non-negative integer argument.
func requireID(req mcp.CallToolRequest, name string) (uint64, error) {
	args := req.GetArguments()
	v, ok := args[name]
	if !ok {
		return 0, fmt.Errorf("%s is required", name)
	}
	f, ok := v.(float64)
	if !ok || f < 0 || f != float64(uint64(f)) {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return uint64(f), nil
}

// HandleListOffers lists active listings, optionally by energy type.
func (h *Handlers) HandleListOffers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListOffers(ctx)
	if err != nil {
		return toolError("Listing offers", err)
	}
	var resp struct {
		Listings []market.Listing `json:"listings"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return toolError("Parsing offers", err)
	}
	return mcp.NewToolResultText(formatOffers(resp.Listings, req.GetString("energy_type", ""))), nil
}

// HandleMarketStats returns market aggregates.
func (h *Handlers) HandleMarketStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.MarketStats(ctx)
	if err != nil {
		return toolError("Fetching stats", err)
	}
	var resp struct {
		Stats market.Stats `json:"stats"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return toolError("Parsing stats", err)
	}
	return mcp.NewToolResultText(formatStats(resp.Stats)), nil
}

// HandleMyAccount combines registration, balance and allowance.
func (h *Handlers) HandleMyAccount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Address: %s\n", h.client.Address().Hex())

	raw, err := h.client.Me(ctx)
	switch {
	case err == nil:
		var resp struct {
			User market.User `json:"user"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return toolError("Parsing account", err)
		}
		u := resp.User
		fmt.Fprintf(&sb, "Name: %s\nRole: %s\nEarned: %s\nSpent: %s\n", u.Name, u.Role, u.Earned, u.Spent)
	case isUnregistered(err):
		sb.WriteString("Not registered. Use register to join the market.\n")
	default:
		return toolError("Fetching account", err)
	}

	if raw, err := h.client.Balance(ctx); err == nil {
		fmt.Fprintf(&sb, "Balance: %s\n", field(raw, "balance"))
	} else {
		fmt.Fprintf(&sb, "Balance: unavailable (%v)\n", err)
	}
	if raw, err := h.client.Allowance(ctx); err == nil {
		fmt.Fprintf(&sb, "Allowance for market: %s\n", field(raw, "allowance"))
	} else {
		fmt.Fprintf(&sb, "Allowance for market: unavailable (%v)\n", err)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRegister registers the caller.
func (h *Handlers) HandleRegister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("name", "")
	role := req.GetString("role", "")
	if name == "" || role == "" {
		return mcp.NewToolResultError("name and role are required"), nil
	}
	if _, err := h.client.Register(ctx, name, role); err != nil {
		return toolError("Registration", err)
	}
	return mcp.NewToolResultText(fmt.Sprintf("Registered %s as %s (%s).", name, role, h.client.Address().Hex())), nil
}

// HandleListEnergy creates a listing.
func (h *Handlers) HandleListEnergy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount, err := requireID(req, "amount")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	price := req.GetString("price", "")
	energyType := req.GetString("energy_type", "")
	if price == "" || energyType == "" {
		return mcp.NewToolResultError("price and energy_type are required"), nil
	}
	raw, err := h.client.ListEnergy(ctx, amount, price, energyType)
	if err != nil {
		return toolError("Listing energy", err)
	}
	var resp struct {
		Listing market.Listing `json:"listing"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return toolError("Parsing listing", err)
	}
	l := resp.Listing
	return mcp.NewToolResultText(fmt.Sprintf(
		"Listed %d kWh of %s at %s per kWh.\nListing index: %d",
		l.Amount, l.EnergyType, l.Price, l.Index)), nil
}

// HandleBuyEnergy buys from a listing into escrow.
func (h *Handlers) HandleBuyEnergy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	producer := req.GetString("producer", "")
	payment := req.GetString("payment", "")
	if producer == "" || payment == "" {
		return mcp.NewToolResultError("producer and payment are required"), nil
	}
	index, err := requireID(req, "index")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	dry := req.GetBool("dry_run", false)

	raw, err := h.client.Buy(ctx, producer, index, payment, dry)
	if err != nil {
		return toolError("Purchase", err)
	}
	var resp struct {
		Escrow market.Escrow `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return toolError("Parsing escrow", err)
	}
	e := resp.Escrow
	if dry {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Dry run: paying %s would buy %d kWh at %s per kWh. Nothing was committed.",
			e.Payment, e.Amount, e.Price)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Bought %d kWh from %s for %s.\nEscrow ID: %d\n\n"+
			"Funds are held until the producer confirms delivery and you call release_funds. "+
			"Use open_dispute if the energy is not delivered.",
		e.Amount, e.Seller.Hex(), e.Payment, e.ID)), nil
}

// HandleMyEscrows lists the caller's escrows.
func (h *Handlers) HandleMyEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.MyEscrows(ctx)
	if err != nil {
		return toolError("Fetching escrows", err)
	}
	var resp struct {
		Escrows []market.Escrow `json:"escrows"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return toolError("Parsing escrows", err)
	}
	return mcp.NewToolResultText(formatEscrows(resp.Escrows, h.client.Address().Hex())), nil
}

// HandleConfirmDelivery marks an escrow delivered.
func (h *Handlers) HandleConfirmDelivery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireID(req, "escrow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := h.client.ConfirmDelivery(ctx, id); err != nil {
		return toolError("Delivery confirmation", err)
	}
	return mcp.NewToolResultText(fmt.Sprintf("Delivery confirmed for escrow %d. The buyer can now release funds.", id)), nil
}

// HandleReleaseFunds pays the seller.
func (h *Handlers) HandleReleaseFunds(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireID(req, "escrow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := h.client.ReleaseFunds(ctx, id)
	if err != nil {
		return toolError("Release", err)
	}
	var resp struct {
		Escrow market.Escrow `json:"escrow"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return toolError("Parsing escrow", err)
	}
	return mcp.NewToolResultText(fmt.Sprintf("Released %s to %s for escrow %d.",
		resp.Escrow.Payment, resp.Escrow.Seller.Hex(), id)), nil
}

// HandleOpenDispute files a dispute.
func (h *Handlers) HandleOpenDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	respondent := req.GetString("respondent", "")
	reason := req.GetString("reason", "")
	if respondent == "" || reason == "" {
		return mcp.NewToolResultError("respondent and reason are required"), nil
	}
	var escrowID *uint64
	if _, ok := req.GetArguments()["escrow_id"]; ok {
		id, err := requireID(req, "escrow_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		escrowID = &id
	}
	raw, err := h.client.OpenDispute(ctx, respondent, reason, escrowID)
	if err != nil {
		return toolError("Dispute", err)
	}
	var resp struct {
		Dispute market.Dispute `json:"dispute"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return toolError("Parsing dispute", err)
	}
	text := fmt.Sprintf("Dispute %d opened against %s.\nReason: %s", resp.Dispute.ID, respondent, reason)
	if escrowID != nil {
		text += fmt.Sprintf("\nEscrow %d is frozen until the council resolves it.", *escrowID)
	}
	return mcp.NewToolResultText(text), nil
}

// HandleResolveDispute resolves a dispute as a council member.
func (h *Handlers) HandleResolveDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := requireID(req, "dispute_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	details := req.GetString("details", "")
	if details == "" {
		return mcp.NewToolResultError("details is required"), nil
	}
	outcome := req.GetString("outcome", string(market.OutcomeNone))
	if _, err := h.client.ResolveDispute(ctx, id, details, outcome); err != nil {
		return toolError("Resolution", err)
	}
	return mcp.NewToolResultText(fmt.Sprintf("Dispute %d resolved (outcome: %s).", id, outcome)), nil
}

// HandleNotifications returns the caller's notifications.
func (h *Handlers) HandleNotifications(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Notifications(ctx)
	if err != nil {
		return toolError("Fetching notifications", err)
	}
	var resp struct {
		Notifications []market.Notification `json:"notifications"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return toolError("Parsing notifications", err)
	}
	if len(resp.Notifications) == 0 {
		return mcp.NewToolResultText("No notifications."), nil
	}
	var sb strings.Builder
	for _, n := range resp.Notifications {
		fmt.Fprintf(&sb, "[%s] %s\n", n.Timestamp.Format("2006-01-02 15:04"), n.Text())
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func formatOffers(listings []market.Listing, energyType string) string {
	var shown []market.Listing
	for _, l := range listings {
		if !l.Active {
			continue
		}
		if energyType != "" && l.EnergyType.String() != energyType {
			continue
		}
		shown = append(shown, l)
	}
	if len(shown) == 0 {
		return "No active energy offers."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d offer(s):\n\n", len(shown))
	for i, l := range shown {
		fmt.Fprintf(&sb, "%d. %d kWh %s at %s per kWh\n", i+1, l.Amount, l.EnergyType, l.Price)
		fmt.Fprintf(&sb, "   Producer: %s | Index: %d\n", l.Producer.Hex(), l.Index)
	}
	return sb.String()
}

func formatStats(s market.Stats) string {
	var sb strings.Builder
	sb.WriteString("Market Stats:\n")
	fmt.Fprintf(&sb, "  Dynamic price:  %s\n", s.DynamicPrice)
	fmt.Fprintf(&sb, "  Weighted ask:   %.6g\n", s.WeightedAskPrice)
	fmt.Fprintf(&sb, "  Supply:         %d kWh\n", s.TotalSupply)
	fmt.Fprintf(&sb, "  Demand:         %d kWh\n", s.TotalDemand)
	fmt.Fprintf(&sb, "  Users:          %d\n", s.Users)
	fmt.Fprintf(&sb, "  Active offers:  %d of %d\n", s.ActiveListings, s.Listings)
	fmt.Fprintf(&sb, "  Open escrows:   %d of %d\n", s.OpenEscrows, s.Escrows)
	fmt.Fprintf(&sb, "  Open disputes:  %d of %d\n", s.OpenDisputes, s.Disputes)
	return sb.String()
}

func formatEscrows(escrows []market.Escrow, self string) string {
	if len(escrows) == 0 {
		return "No escrows."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow(s):\n\n", len(escrows))
	for _, e := range escrows {
		side := "buyer"
		counterparty := e.Seller.Hex()
		if strings.EqualFold(e.Seller.Hex(), self) {
			side, counterparty = "seller", e.Buyer.Hex()
		}
		fmt.Fprintf(&sb, "#%d %s: %d kWh for %s (you are %s, counterparty %s)\n",
			e.ID, e.State(), e.Amount, e.Payment, side, counterparty)
	}
	return sb.String()
}

// field reads a top-level value from a JSON object as text.
func field(raw json.RawMessage, key string) string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(m[key], &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(m[key]))
}

func isUnregistered(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Kind == "not_registered" || apiErr.Status == http.StatusNotFound
}
