package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrowd MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Look up a gig escrow by ID. "+
			"Shows its state (CREATED, LOCKED, DELIVERED, RELEASED, REFUNDED), amount in lovelace, "+
			"buyer and seller, expiry, and the on-chain funding and settlement transactions."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
)

var ToolListUserEscrows = mcp.NewTool("list_user_escrows",
	mcp.WithDescription(
		"List the escrows a user takes part in, as buyer or seller, newest first."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The marketplace user ID")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20)")),
)

var ToolGetDispute = mcp.NewTool("get_dispute",
	mcp.WithDescription(
		"Look up a dispute by ID. "+
			"Shows status (OPEN, RESOLVED, CLOSED), the complaint, the assigned arbiter, and the resolution."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute ID")),
)

var ToolListOpenDisputes = mcp.NewTool("list_open_disputes",
	mcp.WithDescription(
		"List disputes that are still waiting for an arbiter decision, oldest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of disputes to return (default 20)")),
)

var ToolOpenDispute = mcp.NewTool("open_dispute",
	mcp.WithDescription(
		"Open a dispute on a LOCKED or DELIVERED escrow on behalf of its buyer or seller. "+
			"An arbiter is assigned automatically and the expiry monitor stops refunding the escrow "+
			"until the dispute is resolved."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The disputed escrow")),
	mcp.WithString("complainant_id",
		mcp.Required(),
		mcp.Description("User ID of the buyer or seller raising the dispute")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("What went wrong")),
)

var ToolTriggerExpirySweep = mcp.NewTool("trigger_expiry_sweep",
	mcp.WithDescription(
		"Run the expiry monitor now instead of waiting for its schedule. "+
			"Refunds every LOCKED escrow past its expiry that has no open dispute, and reports what it did."),
)

var ToolListNotifications = mcp.NewTool("list_notifications",
	mcp.WithDescription(
		"List a user's notifications about their escrows and disputes, newest first."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The marketplace user ID")),
	mcp.WithBoolean("unread_only",
		mcp.Description("Only return notifications the user has not read")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of notifications to return (default 20)")),
)

var ToolGetContractInfo = mcp.NewTool("get_contract_info",
	mcp.WithDescription(
		"Show the Cardano network and escrow validator this deployment settles on: "+
			"script address, script hash, arbiter key hash, and minimum UTxO."),
)
