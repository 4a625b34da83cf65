package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type StatusInput struct {
	ID string `json:"id" jsonschema:"The research job id"`
}

type AskInput struct {
	ID       string `json:"id" jsonschema:"The research job id"`
	Question string `json:"question" jsonschema:"The question to answer from the job's knowledge base"`
}

type AskOutput struct {
	Answer  string   `json:"answer"`
	Sources []string `json:"sources"`
}

// NewMCPServer exposes research status and knowledge search as MCP tools.
func NewMCPServer(s *Service) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "apollo-mcp", Version: "1.0.0"}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "research_status",
		Description: "Get the status and live progress of a research job.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in StatusInput) (*mcp.CallToolResult, Status, error) {
		st, err := s.Status(ctx, in.ID)
		if err != nil {
			return nil, Status{}, err
		}
		return nil, st, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_knowledge",
		Description: "Answer a question from the sources a research job has gathered. The answer is grouped by source.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in AskInput) (*mcp.CallToolResult, AskOutput, error) {
		ans, err := s.Ask(ctx, in.ID, in.Question)
		if err != nil {
			return nil, AskOutput{}, err
		}
		out := AskOutput{Answer: ans.Text, Sources: []string{}}
		var b strings.Builder
		b.WriteString(ans.Text)
		for _, c := range ans.Sources {
			out.Sources = append(out.Sources, c.SourceName)
			fmt.Fprintf(&b, "\n# Source: %s", c.SourceName)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: b.String()}},
		}, out, nil
	})

	return server
}

// NewMCPHandler serves the MCP server over streamable HTTP.
func NewMCPHandler(s *Service) http.Handler {
	server := NewMCPServer(s)
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
}
