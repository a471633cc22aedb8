package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the trustledger MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetTrustScore = mcp.NewTool("get_trust_score",
	mcp.WithDescription(
		"Get the trust score (0-100) and risk level that an oracle published for a wallet. "+
			"Higher scores are more trustworthy. Risk levels are low, medium, high and critical. "+
			"Returns 'not scored' when the oracle has no record for the wallet."),
	mcp.WithString("oracle",
		mcp.Required(),
		mcp.Description("Base58 public key of the oracle that publishes the score")),
	mcp.WithString("wallet",
		mcp.Required(),
		mcp.Description("Base58 public key of the wallet being scored")),
)

var ToolGetTrustScoresBatch = mcp.NewTool("get_trust_scores_batch",
	mcp.WithDescription(
		"Look up one oracle's trust scores for up to 100 wallets at once. "+
			"Wallets the oracle has not scored are listed as not scored."),
	mcp.WithString("oracle",
		mcp.Required(),
		mcp.Description("Base58 public key of the oracle")),
	mcp.WithArray("wallets",
		mcp.Required(),
		mcp.Description("Base58 wallet public keys"),
		mcp.Items(map[string]any{"type": "string"})),
)

var ToolDeriveAddress = mcp.NewTool("derive_trust_score_address",
	mcp.WithDescription(
		"Compute the deterministic account address where an oracle's score for a wallet is stored. "+
			"This is a pure computation and does not contact the ledger."),
	mcp.WithString("oracle",
		mcp.Required(),
		mcp.Description("Base58 public key of the oracle")),
	mcp.WithString("wallet",
		mcp.Required(),
		mcp.Description("Base58 public key of the wallet")),
)

var ToolInspectAccount = mcp.NewTool("inspect_account",
	mcp.WithDescription(
		"Fetch the raw bytes stored at a trust score account address and decode them. "+
			"Useful for debugging what is actually persisted."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("Base58 account address")),
)
