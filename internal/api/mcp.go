package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/qrf/internal/ingest"
	"github.com/kalambet/qrf/internal/notify"
	"github.com/kalambet/qrf/internal/pipeline"
	"github.com/kalambet/qrf/internal/settings"
	"github.com/kalambet/qrf/internal/storage"
	"github.com/kalambet/qrf/internal/worldbook"
)

// MCPPlanner runs one planning pass. Implemented by pipeline.Planner.
type MCPPlanner interface {
	Run(ctx context.Context, req pipeline.RunRequest) (pipeline.RunResult, error)
}

// MCPWorldbook assembles worldbook text. Implemented by worldbook.Provider.
type MCPWorldbook interface {
	Content(ctx context.Context, q worldbook.Query) (string, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Settings  *settings.Manager
	Planner   MCPPlanner   // optional; if nil, plan_turn returns an error
	Worldbook MCPWorldbook // optional; if nil, worldbook_lookup returns an error
}

// NewMCPServer creates an MCP server with all qrf tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"qrf",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("qrf plans the next story beat of a roleplay chat before the main model answers."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("plan_turn",
			mcp.WithDescription("Run the plot planner on a user message and return the planned text."),
			mcp.WithString("message", mcp.Description("The user message to plan"), mcp.Required()),
			mcp.WithString("chat_id", mcp.Description("Chat whose history and prior plot are used")),
			mcp.WithString("character_id", mcp.Description("Active character, for character-scoped settings and worldbooks")),
		),
		mcpPlanTurn(deps),
	)

	s.AddTool(
		mcp.NewTool("worldbook_lookup",
			mcp.WithDescription("Return the worldbook text that would be inserted for a character and scan text."),
			mcp.WithString("text", mcp.Description("Text keyed entries are matched against"), mcp.Required()),
			mcp.WithString("character_id", mcp.Description("Active character")),
		),
		mcpWorldbookLookup(deps),
	)

	s.AddTool(
		mcp.NewTool("add_worldbook_entry",
			mcp.WithDescription("Add an entry to a worldbook."),
			mcp.WithString("book", mcp.Description("Worldbook name"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Entry text"), mcp.Required()),
			mcp.WithString("comment", mcp.Description("Entry title")),
			mcp.WithArray("keys", mcp.Description("Keywords that activate the entry; none means always active")),
			mcp.WithBoolean("constant", mcp.Description("Always active regardless of keys")),
			mcp.WithBoolean("vectorized", mcp.Description("Also activate by semantic similarity to the conversation")),
		),
		mcpAddWorldbookEntry(deps),
	)

	s.AddTool(
		mcp.NewTool("save_setting",
			mcp.WithDescription("Save one planner setting. Character-scoped keys need character_id."),
			mcp.WithString("key", mcp.Description("Setting key (e.g. temperature, extractTags)"), mcp.Required()),
			mcp.WithString("value", mcp.Description("JSON-encoded value"), mcp.Required()),
			mcp.WithString("character_id", mcp.Description("Active character")),
		),
		mcpSaveSetting(deps),
	)

	s.AddTool(
		mcp.NewTool("select_preset",
			mcp.WithDescription("Make a stored preset active. An empty name deselects."),
			mcp.WithString("name", mcp.Description("Preset name")),
			mcp.WithString("character_id", mcp.Description("Active character")),
		),
		mcpSelectPreset(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"qrf://settings",
			"Planner Settings",
			mcp.WithResourceDescription("Global planner settings as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSettings(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"qrf://presets",
			"Presets",
			mcp.WithResourceDescription("Stored presets as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePresets(deps),
	)

	return s
}

func mcpPlanTurn(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Planner == nil {
			return mcpError("planning not available"), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		rec := &notify.Recorder{}
		res, err := deps.Planner.Run(notify.WithSink(ctx, rec), pipeline.RunRequest{
			ChatID:      req.GetString("chat_id", ""),
			CharacterID: req.GetString("character_id", ""),
			UserMessage: message,
		})
		if errors.Is(err, pipeline.ErrSkipped) {
			return mcpError(err.Error()), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("planning failed: %v", err)), nil
		}

		b, err := json.Marshal(struct {
			pipeline.RunResult
			Notices []notify.Notice `json:"notices,omitempty"`
		}{res, rec.Notices()})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpWorldbookLookup(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Worldbook == nil {
			return mcpError("worldbook not available"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		characterID := req.GetString("character_id", "")

		s, err := deps.Settings.Effective(characterID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load settings: %v", err)), nil
		}
		content, err := deps.Worldbook.Content(ctx, worldbook.QueryFor(characterID, s.API, text))
		if err != nil {
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}
		return mcpText(content), nil
	}
}

func mcpAddWorldbookEntry(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		book, err := req.RequireString("book")
		if err != nil {
			return mcpError("book is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		saved, err := deps.Store.SaveLoreEntries([]storage.LoreEntry{{
			Book:       book,
			UID:        -1,
			Comment:    req.GetString("comment", ""),
			Content:    content,
			Keys:       req.GetStringSlice("keys", nil),
			Constant:   req.GetBool("constant", false),
			Vectorized: req.GetBool("vectorized", false),
			Enabled:    true,
			Order:      worldbook.DefaultOrder,
		}})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save: %v", err)), nil
		}
		if saved[0].Vectorized {
			if _, err := ingest.EnqueueIndex(deps.Store, book); err != nil {
				return mcpError(fmt.Sprintf("stored entry %s/%d but failed to queue indexing: %v", book, saved[0].UID, err)), nil
			}
		}

		return mcpText(fmt.Sprintf("Stored entry %s/%d", book, saved[0].UID)), nil
	}
}

func mcpSaveSetting(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}
		value, err := req.RequireString("value")
		if err != nil {
			return mcpError("value is required"), nil
		}
		if !json.Valid([]byte(value)) {
			return mcpError("value must be JSON"), nil
		}

		if err := deps.Settings.SaveSetting(req.GetString("character_id", ""), key, json.RawMessage(value)); err != nil {
			return mcpError(fmt.Sprintf("failed to save setting: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Set %s = %s", key, value)), nil
	}
}

func mcpSelectPreset(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name := req.GetString("name", "")
		if err := deps.Settings.SelectPreset(req.GetString("character_id", ""), name); err != nil {
			return mcpError(fmt.Sprintf("failed to select preset: %v", err)), nil
		}
		if name == "" {
			return mcpText("Preset deselected"), nil
		}
		return mcpText(fmt.Sprintf("Preset %q selected", name)), nil
	}
}

func mcpResourceSettings(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		s, err := deps.Settings.Global()
		if err != nil {
			return nil, fmt.Errorf("failed to get settings: %w", err)
		}
		// The upstream key never leaves the process.
		s.API.APIKey = ""
		return jsonResource(req.Params.URI, s)
	}
}

func mcpResourcePresets(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		presets, err := deps.Settings.ListPresets()
		if err != nil {
			return nil, fmt.Errorf("failed to list presets: %w", err)
		}
		if presets == nil {
			presets = []settings.Preset{}
		}
		return jsonResource(req.Params.URI, presets)
	}
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
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
