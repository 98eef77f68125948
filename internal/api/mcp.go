package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/infinityai/imagine/internal/replicate"
	"github.com/infinityai/imagine/internal/storage"
)

// Translator converts a prompt into the model's language.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Replicate  *replicate.Client
	Translator Translator // optional; if nil, translation tools return an error
	Store      *storage.Store
	Archive    bool
}

func (d MCPDeps) proxyDeps() Deps {
	return Deps{Replicate: d.Replicate, Store: d.Store, Archive: d.Archive}
}

// NewMCPServer creates an MCP server with all imagine tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"imagine",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("imagine: text-to-image generation through Replicate, with optional Myanmar to English prompt translation."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("create_prediction",
			mcp.WithDescription("Start an image generation for a text prompt. Returns the prediction descriptor; poll it with get_prediction."),
			mcp.WithString("prompt", mcp.Description("Text prompt"), mcp.Required()),
			mcp.WithBoolean("translate", mcp.Description("Translate the prompt to English before submitting (default false)")),
		),
		mcpCreatePrediction(deps),
	)

	s.AddTool(
		mcp.NewTool("get_prediction",
			mcp.WithDescription("Read the current status and outputs of a prediction."),
			mcp.WithString("id", mcp.Description("Prediction ID"), mcp.Required()),
		),
		mcpGetPrediction(deps),
	)

	s.AddTool(
		mcp.NewTool("translate_prompt",
			mcp.WithDescription("Translate text to English using the configured language pair."),
			mcp.WithString("text", mcp.Description("Text to translate"), mcp.Required()),
		),
		mcpTranslatePrompt(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"predictions://recent",
			"Recent Predictions",
			mcp.WithResourceDescription("Last 10 predictions seen by this proxy"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpCreatePrediction(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil || prompt == "" {
			return mcpError("prompt is required"), nil
		}

		if req.GetBool("translate", false) {
			if deps.Translator == nil {
				return mcpError("translation is not enabled"), nil
			}
			prompt, err = deps.Translator.Translate(ctx, prompt)
			if err != nil {
				return mcpError(fmt.Sprintf("translation failed: %v", err)), nil
			}
		}

		p, err := deps.Replicate.CreatePrediction(ctx, prompt)
		if errors.Is(err, replicate.ErrMissingToken) {
			return mcpError(err.Error()), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("creating prediction failed: %s", upstreamDetail(err))), nil
		}
		if msg := p.ErrorMessage(); msg != "" {
			return mcpError(msg), nil
		}

		recordSnapshot(deps.proxyDeps(), p)
		return mcpText(string(p.Raw)), nil
	}
}

func mcpGetPrediction(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil || id == "" {
			return mcpError("id is required"), nil
		}

		p, err := deps.Replicate.GetPrediction(ctx, id)
		if replicate.IsNotFound(err) {
			return mcpError(fmt.Sprintf("prediction %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("reading prediction failed: %s", upstreamDetail(err))), nil
		}

		recordSnapshot(deps.proxyDeps(), p)
		return mcpText(string(p.Raw)), nil
	}
}

func mcpTranslatePrompt(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Translator == nil {
			return mcpError("translation is not enabled"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		translated, err := deps.Translator.Translate(ctx, text)
		if err != nil {
			return mcpError(fmt.Sprintf("translation failed: %v", err)), nil
		}
		return mcpText(translated), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if deps.Store == nil {
			return nil, fmt.Errorf("history is not enabled")
		}
		predictions, err := deps.Store.ListPredictions(10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list predictions: %w", err)
		}

		type predictionSummary struct {
			ID          string `json:"id"`
			Status      string `json:"status"`
			OutputURL   string `json:"output_url,omitempty"`
			ArchivedURL string `json:"archived_url,omitempty"`
			Error       string `json:"error,omitempty"`
			CreatedAt   string `json:"created_at"`
		}

		summaries := make([]predictionSummary, len(predictions))
		for i, p := range predictions {
			summaries[i] = predictionSummary{
				ID:          p.ID,
				Status:      p.Status,
				OutputURL:   p.OutputURL,
				ArchivedURL: p.ArchivedURL,
				Error:       p.Error,
				CreatedAt:   p.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal predictions: %w", err)
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
