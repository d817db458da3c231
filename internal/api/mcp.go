package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/LeonardoBonacci/meaningful-complaints/internal/sentiment"
)

const recentResultsLimit = 10

// NewMCPServer creates an MCP server exposing the sentiment agent and
// complaint search as tools.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"meaningful-complaints",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("Complaint analytics: sentiment assessment of complaint windows and semantic search over stored complaints."),
		server.WithRecovery(),
	)

	if deps.Analyzer != nil {
		s.AddTool(
			mcp.NewTool("analyze_complaints",
				mcp.WithDescription("Assess severity, themes and a short summary for a window of customer complaints from one country."),
				mcp.WithString("country", mcp.Description("Country the complaints come from"), mcp.Required()),
				mcp.WithNumber("windowStart", mcp.Description("Window start, epoch milliseconds")),
				mcp.WithNumber("windowEnd", mcp.Description("Window end, epoch milliseconds")),
				mcp.WithArray("complaints", mcp.Description("Complaint texts in arrival order"), mcp.WithStringItems(), mcp.Required()),
			),
			mcpAnalyze(deps),
		)
	}

	if deps.Retriever != nil {
		s.AddTool(
			mcp.NewTool("search_complaints",
				mcp.WithDescription("Find stored complaints semantically similar to a query, nearest first."),
				mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
				mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			),
			mcpSearch(deps),
		)
		s.AddTool(
			mcp.NewTool("ask_complaints",
				mcp.WithDescription("Answer a question using the most relevant stored complaints as context."),
				mcp.WithString("question", mcp.Description("Question about the complaints"), mcp.Required()),
				mcp.WithNumber("limit", mcp.Description("Number of complaints to retrieve (default 5)")),
			),
			mcpAsk(deps),
		)
	}

	if deps.Results != nil {
		s.AddResource(
			mcp.NewResource(
				"complaints://sentiment/recent",
				"Recent Sentiment Results",
				mcp.WithResourceDescription("Last 10 stored sentiment assessments"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceRecent(deps),
		)
	}

	return s
}

func mcpAnalyze(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		country, err := req.RequireString("country")
		if err != nil {
			return mcpError("country is required"), nil
		}
		complaints := req.GetStringSlice("complaints", nil)
		if len(complaints) == 0 {
			return mcpError("complaints is required and must not be empty"), nil
		}

		payload, err := json.Marshal(sentiment.Input{
			Country:     country,
			WindowStart: int64(req.GetFloat("windowStart", 0)),
			WindowEnd:   int64(req.GetFloat("windowEnd", 0)),
			Complaints:  complaints,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal input: %v", err)), nil
		}

		out, err := deps.Analyzer.Invoke(ctx, payload)
		if err != nil {
			return mcpError(fmt.Sprintf("analysis failed: %v", err)), nil
		}
		b, err := json.Marshal(out.Output)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearch(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}

		hits, err := deps.Retriever.Search(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		b, err := json.Marshal(toHits(hits))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAsk(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}

		ans, err := deps.Retriever.Ask(ctx, question, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}
		return mcpText(ans.Text), nil
	}
}

func mcpResourceRecent(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		records, err := deps.Results.ListSentimentResults(ctx, "", recentResultsLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to list sentiment results: %w", err)
		}

		out := make([]storedResult, 0, len(records))
		for _, rec := range records {
			sr, err := toStoredResult(rec)
			if err != nil {
				return nil, err
			}
			out = append(out, sr)
		}

		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal results: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
