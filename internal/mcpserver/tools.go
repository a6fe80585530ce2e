package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the VoltGrid MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListOffers = mcp.NewTool("list_energy_offers",
	mcp.WithDescription(
		"List active energy offers on the VoltGrid market. "+
			"Each offer shows the producer, listing index, remaining kWh, price per kWh and energy type. "+
			"Use this before buy_energy to pick a listing."),
	mcp.WithString("energy_type",
		mcp.Description("Only show this energy type"),
		mcp.Enum("solar", "wind", "biomass", "tidal")),
)

var ToolMarketStats = mcp.NewTool("market_stats",
	mcp.WithDescription(
		"Get market aggregates: total supply and demand in kWh, the dynamic price, "+
			"supply-weighted ask price, and open escrow and dispute counts."),
)

var ToolMyAccount = mcp.NewTool("my_account",
	mcp.WithDescription(
		"Show your registration, role, token balance and the allowance approved for the market. "+
			"Purchases need both enough balance and enough allowance."),
)

var ToolRegister = mcp.NewTool("register",
	mcp.WithDescription("Register your address on the market as a producer or consumer. Registration is permanent."),
	mcp.WithString("name", mcp.Required(), mcp.Description("Display name")),
	mcp.WithString("role", mcp.Required(), mcp.Enum("producer", "consumer"), mcp.Description("Market role")),
)

var ToolListEnergy = mcp.NewTool("list_energy",
	mcp.WithDescription("Offer energy for sale. Producers only."),
	mcp.WithNumber("amount", mcp.Required(), mcp.Description("Quantity in kWh")),
	mcp.WithString("price", mcp.Required(), mcp.Description("Price per kWh in tokens (e.g. '0.1')")),
	mcp.WithString("energy_type", mcp.Required(), mcp.Enum("solar", "wind", "biomass", "tidal")),
)

var ToolBuyEnergy = mcp.NewTool("buy_energy",
	mcp.WithDescription(
		"Buy energy from a listing. The payment is held in escrow until the producer confirms delivery "+
			"and you release funds. You receive floor(payment / price) kWh. Consumers only."),
	mcp.WithString("producer", mcp.Required(), mcp.Description("Producer address")),
	mcp.WithNumber("index", mcp.Required(), mcp.Description("Listing index from list_energy_offers")),
	mcp.WithString("payment", mcp.Required(), mcp.Description("Tokens to pay (e.g. '1.5')")),
	mcp.WithBoolean("dry_run", mcp.Description("Check the purchase and quantity without committing")),
)

var ToolMyEscrows = mcp.NewTool("my_escrows",
	mcp.WithDescription("List escrows where you are buyer or seller, with their state."),
)

var ToolConfirmDelivery = mcp.NewTool("confirm_delivery",
	mcp.WithDescription("Confirm you delivered the energy for an escrow. Sellers only."),
	mcp.WithNumber("escrow_id", mcp.Required()),
)

var ToolReleaseFunds = mcp.NewTool("release_funds",
	mcp.WithDescription("Release escrowed payment to the producer after delivery. Buyers only."),
	mcp.WithNumber("escrow_id", mcp.Required()),
)

var ToolOpenDispute = mcp.NewTool("open_dispute",
	mcp.WithDescription(
		"Open a dispute against another participant, optionally tied to an escrow. "+
			"A disputed escrow cannot be released until the council resolves it."),
	mcp.WithString("respondent", mcp.Required(), mcp.Description("Address of the other party")),
	mcp.WithString("reason", mcp.Required()),
	mcp.WithNumber("escrow_id", mcp.Description("Escrow the dispute concerns")),
)

var ToolResolveDispute = mcp.NewTool("resolve_dispute",
	mcp.WithDescription("Resolve a dispute. Council members only. The outcome decides the escrow payout."),
	mcp.WithNumber("dispute_id", mcp.Required()),
	mcp.WithString("details", mcp.Required()),
	mcp.WithString("outcome", mcp.Enum("none", "release", "refund"),
		mcp.Description("Escrow payout: release to seller, refund to buyer, or none")),
)

var ToolNotifications = mcp.NewTool("notifications",
	mcp.WithDescription("Read your market notifications."),
)
