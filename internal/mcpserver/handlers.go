package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetEscrow shows one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("escrow_id", "")
	if id == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}

	text, err := formatEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListUserEscrows lists a user's escrows.
func (h *Handlers) HandleListUserEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.ListUserEscrows(ctx, userID, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	text, err := formatEscrowList(raw, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetDispute shows one dispute.
func (h *Handlers) HandleGetDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}

	raw, err := h.client.GetDispute(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get dispute: %v", err)), nil
	}

	text, err := formatDispute(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListOpenDisputes lists disputes awaiting resolution.
func (h *Handlers) HandleListOpenDisputes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListOpenDisputes(ctx, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list disputes: %v", err)), nil
	}

	text, err := formatDisputeList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse disputes: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleOpenDispute files a dispute.
func (h *Handlers) HandleOpenDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	complainant := req.GetString("complainant_id", "")
	if complainant == "" {
		return mcp.NewToolResultError("complainant_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	raw, err := h.client.OpenDispute(ctx, escrowID, complainant, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to open dispute: %v", err)), nil
	}

	text, err := formatDispute(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}
	return mcp.NewToolResultText("Dispute opened.\n\n" + text), nil
}

// HandleTriggerExpirySweep runs the expiry monitor once.
func (h *Handlers) HandleTriggerExpirySweep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.TriggerSweep(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to run expiry sweep: %v", err)), nil
	}

	text, err := formatSweep(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse sweep result: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListNotifications lists a user's notifications.
func (h *Handlers) HandleListNotifications(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.ListNotifications(ctx, userID, req.GetBool("unread_only", false), req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list notifications: %v", err)), nil
	}

	text, err := formatNotifications(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse notifications: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetContractInfo shows the validator configuration.
func (h *Handlers) HandleGetContractInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetContractInfo(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get contract info: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// --- Formatting helpers ---

// decodeObject decodes a JSON object keeping numbers exact, so lovelace
// amounts are not rendered in exponent form.
func decodeObject(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// unwrap returns the object under key, or the whole response if it is flat.
func unwrap(raw json.RawMessage, key string) (map[string]any, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	if inner, ok := m[key].(map[string]any); ok {
		return inner, nil
	}
	return m, nil
}

func unwrapList(raw json.RawMessage, key string) ([]map[string]any, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}
	items, _ := m[key].([]any)
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		if obj, ok := it.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out, nil
}

func formatEscrow(raw json.RawMessage) (string, error) {
	e, err := unwrap(raw, "escrow")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s (%s)\n", getString(e, "id"), getString(e, "state"))
	fmt.Fprintf(&sb, "Gig: %s\n", getString(e, "gig_id"))
	fmt.Fprintf(&sb, "Buyer: %s\n", getString(e, "buyer_id"))
	fmt.Fprintf(&sb, "Seller: %s\n", getString(e, "seller_id"))
	fmt.Fprintf(&sb, "Amount: %s lovelace\n", getString(e, "amount"))
	fmt.Fprintf(&sb, "Expires: %s\n", getString(e, "expires_at"))
	optional := []struct{ label, key string }{
		{"Funding tx", "on_chain_tx_hash"},
		{"Delivery", "delivery_hash"},
		{"Delivery note", "delivery_message"},
		{"Settlement tx", "settlement_tx_hash"},
		{"Settled by", "settled_by"},
		{"Refund reason", "refund_reason"},
	}
	for _, f := range optional {
		if v := getString(e, f.key); v != "" {
			fmt.Fprintf(&sb, "%s: %s\n", f.label, v)
		}
	}
	return sb.String(), nil
}

func formatEscrowList(raw json.RawMessage, userID string) (string, error) {
	items, err := unwrapList(raw, "escrows")
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return fmt.Sprintf("No escrows found for %s.", userID), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrows for %s:\n\n", len(items), userID)
	for i, e := range items {
		role := "buyer"
		if getString(e, "seller_id") == userID {
			role = "seller"
		}
		fmt.Fprintf(&sb, "%d. %s [%s] %s lovelace as %s, expires %s\n",
			i+1, getString(e, "id"), getString(e, "state"), getString(e, "amount"), role, getString(e, "expires_at"))
	}
	return sb.String(), nil
}

func formatDispute(raw json.RawMessage) (string, error) {
	d, err := unwrap(raw, "dispute")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute %s (%s)\n", getString(d, "id"), getString(d, "status"))
	fmt.Fprintf(&sb, "Escrow: %s\n", getString(d, "escrow_id"))
	fmt.Fprintf(&sb, "Raised by: %s\n", getString(d, "complainant_id"))
	fmt.Fprintf(&sb, "Reason: %s\n", getString(d, "reason"))
	if a := getString(d, "assigned_arbiter_id"); a != "" {
		fmt.Fprintf(&sb, "Assigned arbiter: %s\n", a)
	} else {
		sb.WriteString("Assigned arbiter: none (any arbiter may resolve)\n")
	}
	if r := getString(d, "resolution"); r != "" {
		fmt.Fprintf(&sb, "Resolution: %s by %s\n", r, getString(d, "arbiter_id"))
	}
	return sb.String(), nil
}

func formatDisputeList(raw json.RawMessage) (string, error) {
	items, err := unwrapList(raw, "disputes")
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "No open disputes.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d open disputes:\n\n", len(items))
	for i, d := range items {
		arbiter := getString(d, "assigned_arbiter_id")
		if arbiter == "" {
			arbiter = "unassigned"
		}
		fmt.Fprintf(&sb, "%d. %s on escrow %s (%s): %s\n",
			i+1, getString(d, "id"), getString(d, "escrow_id"), arbiter, getString(d, "reason"))
	}
	return sb.String(), nil
}

func formatSweep(raw json.RawMessage) (string, error) {
	s, err := unwrap(raw, "sweep")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Checked %s expired escrows.\n", getString(s, "checked"))
	for _, section := range []struct{ label, key string }{
		{"Refunded", "refunded"},
		{"Skipped (open dispute)", "skipped"},
	} {
		ids := getStrings(s, section.key)
		fmt.Fprintf(&sb, "%s: %d\n", section.label, len(ids))
		for _, id := range ids {
			fmt.Fprintf(&sb, "  - %s\n", id)
		}
	}
	if failed, ok := s["failed"].(map[string]any); ok && len(failed) > 0 {
		fmt.Fprintf(&sb, "Failed: %d\n", len(failed))
		for _, id := range slices.Sorted(maps.Keys(failed)) {
			fmt.Fprintf(&sb, "  - %s: %s\n", id, getString(failed, id))
		}
	}
	return sb.String(), nil
}

func formatNotifications(raw json.RawMessage) (string, error) {
	items, err := unwrapList(raw, "notifications")
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "No notifications.", nil
	}

	var sb strings.Builder
	for i, n := range items {
		marker := " "
		if b, _ := n["read"].(bool); !b {
			marker = "*"
		}
		fmt.Fprintf(&sb, "%s %d. [%s] %s: %s\n", marker, i+1, getString(n, "type"), getString(n, "subject"), getString(n, "content"))
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch x := v.(type) {
			case string:
				return x
			case json.Number:
				return x.String()
			case float64:
				return fmt.Sprintf("%g", x)
			}
		}
	}
	return ""
}

func getStrings(m map[string]any, key string) []string {
	items, _ := m[key].([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
