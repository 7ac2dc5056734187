package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the credgate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetCreditBalance = mcp.NewTool("get_credit_balance",
	mcp.WithDescription(
		"Show the current user's subscription tier, credits remaining this period, "+
			"bonus credits, and when the period renews. Call this before starting "+
			"an expensive activity such as slide generation or a voice session."),
)

var ToolGetCreditHistory = mcp.NewTool("get_credit_history",
	mcp.WithDescription(
		"List the most recent credit ledger entries (deductions, refunds, bonuses, resets), newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to return (default 20)")),
)

var ToolListActionCosts = mcp.NewTool("list_action_costs",
	mcp.WithDescription(
		"List what each tutoring action costs in credits, e.g. a chat response or a minute of voice session."),
)

var ToolAuthorizeAction = mcp.NewTool("authorize_action",
	mcp.WithDescription(
		"Charge credits for a client-metered action before performing it, such as "+
			"'voice-session-minute' or 'quiz-generation'. Fails with insufficient "+
			"credits when the balance cannot cover the cost."),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Description("Action name from list_action_costs")),
	mcp.WithNumber("amount",
		mcp.Description("Explicit cost for actions not in the cost table")),
)

var ToolAskTutor = mcp.NewTool("ask_tutor",
	mcp.WithDescription(
		"Ask the AI tutor a question. Costs one chat-response credit; the charge "+
			"is refunded if the provider fails."),
	mcp.WithString("question",
		mcp.Required(),
		mcp.Description("The student's question")),
	mcp.WithString("context",
		mcp.Description("Optional system instructions, e.g. the lesson topic or grade level")),
)
