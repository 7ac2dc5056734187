package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/credgate/internal/credits"
	"github.com/mbd888/credgate/internal/providers"
)

const defaultHistoryLimit = 20

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetCreditBalance reports the caller's tier and remaining credits.
func (h *Handlers) HandleGetCreditBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	acct, err := h.client.Balance(ctx)
	if err != nil {
		return toolError("Failed to check credits", err), nil
	}
	return mcp.NewToolResultText(formatAccount(acct)), nil
}

// HandleGetCreditHistory lists recent ledger entries.
func (h *Handlers) HandleGetCreditHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", defaultHistoryLimit)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	txs, err := h.client.History(ctx, limit)
	if err != nil {
		return toolError("Failed to load credit history", err), nil
	}
	return mcp.NewToolResultText(formatHistory(txs)), nil
}

// HandleListActionCosts lists the cost table.
func (h *Handlers) HandleListActionCosts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	table, err := h.client.Costs(ctx)
	if err != nil {
		return toolError("Failed to load action costs", err), nil
	}
	return mcp.NewToolResultText(formatCosts(table)), nil
}

// HandleAuthorizeAction charges a client-metered action.
func (h *Handlers) HandleAuthorizeAction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action := strings.TrimSpace(req.GetString("action", ""))
	if action == "" {
		return mcp.NewToolResultError("action is required"), nil
	}

	var amount *int64
	if raw, ok := req.GetArguments()["amount"]; ok && raw != nil {
		f, ok := raw.(float64)
		if !ok || f <= 0 || f != math.Trunc(f) {
			return mcp.NewToolResultError("amount must be a positive whole number"), nil
		}
		n := int64(f)
		amount = &n
	}

	auth, err := h.client.Authorize(ctx, action, amount)
	if err != nil {
		return toolError("Authorization failed", err), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Authorized %s for %d credit(s).\n", auth.Action, auth.Cost)
	if auth.Unlimited {
		sb.WriteString("Remaining: unlimited\n")
	} else {
		fmt.Fprintf(&sb, "Remaining: %d\n", auth.RemainingAfter)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleAskTutor sends a question to the tutor chat endpoint.
func (h *Handlers) HandleAskTutor(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question := strings.TrimSpace(req.GetString("question", ""))
	if question == "" {
		return mcp.NewToolResultError("question is required"), nil
	}

	var messages []providers.Message
	if sys := strings.TrimSpace(req.GetString("context", "")); sys != "" {
		messages = append(messages, providers.Message{Role: "system", Content: sys})
	}
	messages = append(messages, providers.Message{Role: "user", Content: question})

	reply, err := h.client.Chat(ctx, messages)
	if err != nil {
		return toolError("Tutor request failed", err), nil
	}

	remaining := fmt.Sprintf("%d", reply.Remaining)
	if reply.Unlimited {
		remaining = "unlimited"
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s\n\n(%s, %d credit(s), %s remaining)",
		reply.Reply, reply.Provider, reply.Cost, remaining)), nil
}

// toolError turns an API failure into a tool result the model can act on.
func toolError(prefix string, err error) *mcp.CallToolResult {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case "insufficient_credits":
			return mcp.NewToolResultError(fmt.Sprintf("%s: not enough credits. %s "+
				"Check get_credit_balance or suggest upgrading the plan.", prefix, apiErr.Message))
		case "rate_limited", "provider_unavailable":
			msg := fmt.Sprintf("%s: %s", prefix, apiErr.Message)
			if apiErr.RetryAfter != "" {
				msg += fmt.Sprintf(" Retry after %s seconds.", apiErr.RetryAfter)
			}
			return mcp.NewToolResultError(msg)
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

func formatAccount(acct *credits.Account) string {
	var sb strings.Builder
	sb.WriteString("Credits:\n")
	if sub := acct.Subscription; sub != nil {
		fmt.Fprintf(&sb, "  Plan:      %s (%s)\n", sub.Tier, sub.Status)
		if !sub.CurrentPeriodEnd.IsZero() {
			fmt.Fprintf(&sb, "  Renews:    %s\n", sub.CurrentPeriodEnd.UTC().Format(time.DateOnly))
		}
		if sub.CancelAtPeriodEnd {
			sb.WriteString("  Cancels at the end of this period\n")
		}
	}
	if acct.Unlimited {
		sb.WriteString("  Remaining: unlimited\n")
	} else {
		fmt.Fprintf(&sb, "  Remaining: %d\n", acct.Remaining)
	}
	if bal := acct.Balance; bal != nil && !acct.Unlimited {
		fmt.Fprintf(&sb, "  Used:      %d of %d\n", bal.UsedCredits, bal.TotalCredits)
		if bal.BonusCredits > 0 {
			fmt.Fprintf(&sb, "  Bonus:     %d\n", bal.BonusCredits)
		}
	}
	if acct.Fallback {
		sb.WriteString("  (ledger temporarily unavailable; showing plan defaults)\n")
	}
	return sb.String()
}

func formatHistory(txs []*credits.Transaction) string {
	if len(txs) == 0 {
		return "No credit activity yet."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Last %d credit entr%s:\n", len(txs), plural(len(txs), "y", "ies"))
	for _, tx := range txs {
		fmt.Fprintf(&sb, "  %s  %-9s %+d  %s\n",
			tx.CreatedAt.UTC().Format(time.DateTime), tx.Kind, tx.Amount, tx.Description)
	}
	return sb.String()
}

func formatCosts(table *CostTable) string {
	actions := make([]string, 0, len(table.Costs))
	for action := range table.Costs {
		actions = append(actions, action)
	}
	sort.Strings(actions)

	var sb strings.Builder
	sb.WriteString("Action costs (credits):\n")
	for _, action := range actions {
		fmt.Fprintf(&sb, "  %-26s %d\n", action, table.Costs[action])
	}
	if table.RefundOnProviderFailure {
		sb.WriteString("Charges are refunded when the AI provider fails.\n")
	}
	return sb.String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
