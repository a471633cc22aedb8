package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/blockid/trustledger/internal/pda"
	"github.com/blockid/trustledger/internal/trustscore"
)

// LedgerClient is the subset of the HTTP client the tools need.
type LedgerClient interface {
	Get(ctx context.Context, oracle, wallet pda.PublicKey) (*trustscore.RecordResponse, error)
	ReadBatch(ctx context.Context, oracle pda.PublicKey, wallets []pda.PublicKey) (*trustscore.BatchResponse, error)
	Account(ctx context.Context, addr pda.PublicKey) (*trustscore.AccountResponse, error)
}

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client    LedgerClient
	programID pda.PublicKey
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client LedgerClient, programID pda.PublicKey) *Handlers {
	return &Handlers{client: client, programID: programID}
}

// HandleGetTrustScore returns one oracle's score for a wallet.
func (h *Handlers) HandleGetTrustScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	oracle, wallet, errResult := keyPair(req)
	if errResult != nil {
		return errResult, nil
	}

	rec, err := h.client.Get(ctx, oracle, wallet)
	if errors.Is(err, trustscore.ErrNotFound) {
		return mcp.NewToolResultText(fmt.Sprintf("Wallet %s has not been scored by oracle %s.", wallet, oracle)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get trust score: %v", err)), nil
	}

	return mcp.NewToolResultText(formatRecord(rec)), nil
}

// HandleGetTrustScoresBatch reads many wallets for one oracle.
func (h *Handlers) HandleGetTrustScoresBatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	oracle, err := pda.ParsePublicKey(req.GetString("oracle", ""))
	if err != nil {
		return mcp.NewToolResultError("oracle must be a base58 public key"), nil
	}

	raw := stringList(req.GetArguments()["wallets"])
	if len(raw) == 0 {
		return mcp.NewToolResultError("wallets must list at least one wallet"), nil
	}
	if len(raw) > trustscore.MaxBatchSize {
		return mcp.NewToolResultError(fmt.Sprintf("at most %d wallets per call", trustscore.MaxBatchSize)), nil
	}
	wallets := make([]pda.PublicKey, len(raw))
	for i, s := range raw {
		if wallets[i], err = pda.ParsePublicKey(s); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("wallet %q is not a base58 public key", s)), nil
		}
	}

	resp, err := h.client.ReadBatch(ctx, oracle, wallets)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read trust scores: %v", err)), nil
	}

	return mcp.NewToolResultText(formatBatch(resp)), nil
}

// HandleDeriveAddress derives the record address locally.
func (h *Handlers) HandleDeriveAddress(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	oracle, wallet, errResult := keyPair(req)
	if errResult != nil {
		return errResult, nil
	}

	d, err := pda.TrustScoreAddress(h.programID, oracle, wallet)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to derive address: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Trust score address:\n  Address: %s\n  Bump: %d\n  Program: %s\n  Oracle: %s\n  Wallet: %s\n",
		d.Address, d.Bump, h.programID, oracle, wallet)), nil
}

// HandleInspectAccount shows the raw stored bytes at an address.
func (h *Handlers) HandleInspectAccount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr, err := pda.ParsePublicKey(req.GetString("address", ""))
	if err != nil {
		return mcp.NewToolResultError("address must be a base58 public key"), nil
	}

	acct, err := h.client.Account(ctx, addr)
	if errors.Is(err, trustscore.ErrNotFound) {
		return mcp.NewToolResultText(fmt.Sprintf("No account exists at %s.", addr)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch account: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Account %s (%d bytes)\n", acct.Address, acct.Size)
	fmt.Fprintf(&sb, "  Data: %s\n", acct.DataHex)
	if acct.Record != nil {
		sb.WriteString("\nDecoded:\n")
		sb.WriteString(formatRecord(acct.Record))
	} else {
		sb.WriteString("  Data does not decode as a trust score record.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func keyPair(req mcp.CallToolRequest) (oracle, wallet pda.PublicKey, errResult *mcp.CallToolResult) {
	oracle, err := pda.ParsePublicKey(req.GetString("oracle", ""))
	if err != nil {
		return oracle, wallet, mcp.NewToolResultError("oracle must be a base58 public key")
	}
	wallet, err = pda.ParsePublicKey(req.GetString("wallet", ""))
	if err != nil {
		return oracle, wallet, mcp.NewToolResultError("wallet must be a base58 public key")
	}
	return oracle, wallet, nil
}

// stringList accepts a JSON array of strings or a comma-separated string.
func stringList(v any) []string {
	var out []string
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case []string:
		for _, s := range t {
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		for _, s := range strings.Split(t, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func formatRecord(rec *trustscore.RecordResponse) string {
	var sb strings.Builder
	sb.WriteString("Trust Score:\n")
	fmt.Fprintf(&sb, "  Wallet: %s\n", rec.Wallet)
	fmt.Fprintf(&sb, "  Score: %d/100\n", rec.Score)
	fmt.Fprintf(&sb, "  Risk: %s\n", rec.RiskLevel)
	if rec.Layout == trustscore.LayoutWithOwner.String() {
		fmt.Fprintf(&sb, "  Oracle: %s\n", rec.Oracle)
	}
	fmt.Fprintf(&sb, "  Address: %s\n", rec.Address)
	fmt.Fprintf(&sb, "  Last Updated: %s\n", rec.LastUpdatedAt.Format("2006-01-02 15:04:05 UTC"))
	return sb.String()
}

func formatBatch(resp *trustscore.BatchResponse) string {
	scored := 0
	for _, e := range resp.Results {
		if e.RecordResponse != nil {
			scored++
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Oracle %s scored %d of %d wallet(s):\n\n", resp.Oracle, scored, len(resp.Results))
	for i, e := range resp.Results {
		if e.RecordResponse == nil {
			fmt.Fprintf(&sb, "%d. %s: not scored\n", i+1, e.Wallet)
			continue
		}
		fmt.Fprintf(&sb, "%d. %s: %d/100 (%s risk)\n", i+1, e.Wallet, e.Score, e.RiskLevel)
	}
	return sb.String()
}
