package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gopylon/internal/config"
	"github.com/nextlevelbuilder/gopylon/internal/toolserver"
	"github.com/nextlevelbuilder/gopylon/pkg/protocol"
)

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve fabric tools to the SDK over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP()
		},
	}
}

// runMCP serves until the client closes stdin. stdout is the transport, so
// logging must stay on stderr.
func runMCP() error {
	logger := setupLogging(os.Stderr)

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	client := toolserver.NewClient(cfg.ToolServerAddr())

	s := server.NewMCPServer("gopylon", Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	registerFabricTools(s, client)

	logger.Info("mcp server ready", "toolServer", cfg.ToolServerAddr())
	return server.ServeStdio(s)
}

// registerFabricTools exposes the worker tool-server actions as MCP tools.
// Every call is routed by toolUseId: the beacon maps it back to the owning
// conversation, so the model never handles conversation ids directly.
func registerFabricTools(s *server.MCPServer, client *toolserver.Client) {
	s.AddTool(mcp.NewTool("link_document",
		mcp.WithDescription("Link a markdown document to the current conversation so its content is available on future turns."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Document path, ~ allowed")),
		mcp.WithString("toolUseId", mcp.Description("Tool-use id of this invocation; omit when the client forwards it in request meta")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		resp, err := client.Do(ctx, protocol.ToolRequest{
			Action:    protocol.ToolActionLookupLink,
			ToolUseID: toolUseID(req),
			Path:      path,
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !resp.Success {
			return mcp.NewToolResultError(resp.Error), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Linked %s", path)), nil
	})

	s.AddTool(mcp.NewTool("unlink_document",
		mcp.WithDescription("Remove a previously linked document from the current conversation."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Document path as returned by list_documents")),
		mcp.WithString("toolUseId", mcp.Description("Tool-use id of this invocation; omit when the client forwards it in request meta")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		resp, err := client.Do(ctx, protocol.ToolRequest{
			Action:    protocol.ToolActionLookupUnlink,
			ToolUseID: toolUseID(req),
			Path:      path,
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !resp.Success {
			return mcp.NewToolResultError(resp.Error), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Unlinked %s", path)), nil
	})

	s.AddTool(mcp.NewTool("list_documents",
		mcp.WithDescription("List the documents linked to the current conversation."),
		mcp.WithString("toolUseId", mcp.Description("Tool-use id of this invocation; omit when the client forwards it in request meta")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp, err := client.Do(ctx, protocol.ToolRequest{
			Action:    protocol.ToolActionLookupList,
			ToolUseID: toolUseID(req),
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !resp.Success {
			return mcp.NewToolResultError(resp.Error), nil
		}
		if len(resp.Documents) == 0 {
			return mcp.NewToolResultText("No documents linked"), nil
		}
		return mcp.NewToolResultText(strings.Join(resp.Documents, "\n")), nil
	})

	s.AddTool(mcp.NewTool("send_file",
		mcp.WithDescription("Attach a file to the current conversation; apps receive the path, a description, and a thumbnail for images."),
		mcp.WithString("path", mcp.Required(), mcp.Description("File path, ~ allowed")),
		mcp.WithString("description", mcp.Description("What the file shows")),
		mcp.WithString("toolUseId", mcp.Description("Tool-use id of this invocation; omit when the client forwards it in request meta")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		resp, err := client.Do(ctx, protocol.ToolRequest{
			Action:      protocol.ToolActionLookupSendFile,
			ToolUseID:   toolUseID(req),
			Path:        path,
			Description: req.GetString("description", ""),
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !resp.Success {
			return mcp.NewToolResultError(resp.Error), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Sent %s", path)), nil
	})

	s.AddTool(mcp.NewTool("get_conversation_status",
		mcp.WithDescription("Describe the current conversation: name, state, workspace, and working directory."),
		mcp.WithString("toolUseId", mcp.Description("Tool-use id of this invocation; omit when the client forwards it in request meta")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp, err := client.Do(ctx, protocol.ToolRequest{
			Action:    protocol.ToolActionLookupGetStatus,
			ToolUseID: toolUseID(req),
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !resp.Success {
			return mcp.NewToolResultError(resp.Error), nil
		}
		data, err := json.MarshalIndent(resp.Status, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	})

	s.AddTool(mcp.NewTool("create_conversation",
		mcp.WithDescription("Create a new conversation beside the current one, in the same workspace."),
		mcp.WithString("name", mcp.Required(), mcp.Description("Conversation name")),
		mcp.WithString("toolUseId", mcp.Description("Tool-use id of this invocation; omit when the client forwards it in request meta")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		resp, err := client.Do(ctx, protocol.ToolRequest{
			Action:    protocol.ToolActionLookupCreateConv,
			ToolUseID: toolUseID(req),
			Name:      name,
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !resp.Success {
			return mcp.NewToolResultError(resp.Error), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Created conversation %d", resp.ConvID)), nil
	})
}

// toolUseID extracts the SDK's tool-use id: request meta when the client
// forwards it, else an explicit argument.
func toolUseID(req mcp.CallToolRequest) string {
	if meta := req.Params.Meta; meta != nil {
		for _, key := range []string{"claudecode/toolUseId", "toolUseId"} {
			if v, ok := meta.AdditionalFields[key].(string); ok && v != "" {
				return v
			}
		}
	}
	return req.GetString("toolUseId", "")
}
