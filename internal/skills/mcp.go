package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	einoMcp "github.com/cloudwego/eino-ext/components/tool/mcp"
	"github.com/cloudwego/eino/components/tool"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"relay-backend/internal/config"
	"relay-backend/pkg/logger"
)

const mcpInitTimeout = 30 * time.Second

// LoadMCPServer connects to one MCP server and returns its tools wrapped as
// eino tools, plus the client to close on shutdown.
func LoadMCPServer(ctx context.Context, cfg config.MCPServerConfig) ([]tool.BaseTool, io.Closer, error) {
	ctx, cancel := context.WithTimeout(ctx, mcpInitTimeout)
	defer cancel()

	cli, err := newMCPClient(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "relay-backend-" + cfg.Name,
		Version: "1.0.0",
	}
	if _, err := cli.Initialize(ctx, initRequest); err != nil {
		cli.Close()
		return nil, nil, fmt.Errorf("initialize MCP server %s: %w", cfg.Name, err)
	}

	tools, err := einoMcp.GetTools(ctx, &einoMcp.Config{
		Cli:                   cli,
		ToolCallResultHandler: MCPErrorHandler(),
	})
	if err != nil {
		cli.Close()
		return nil, nil, fmt.Errorf("list MCP tools of %s: %w", cfg.Name, err)
	}

	return tools, cli, nil
}

func newMCPClient(ctx context.Context, cfg config.MCPServerConfig) (*client.Client, error) {
	switch cfg.Transport {
	case "sse":
		cli, err := client.NewSSEMCPClient(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("create MCP client %s: %w", cfg.Name, err)
		}
		if err := cli.Start(ctx); err != nil {
			return nil, fmt.Errorf("start MCP client %s: %w", cfg.Name, err)
		}
		return cli, nil
	case "stdio":
		// stdio clients start with the subprocess
		cli, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("create MCP client %s: %w", cfg.Name, err)
		}
		return cli, nil
	default:
		return nil, fmt.Errorf("MCP server %s: unsupported transport %q", cfg.Name, cfg.Transport)
	}
}

// MCPErrorResult is what a failed MCP tool call is turned into, so the
// failure reaches the user as a result instead of aborting the turn.
type MCPErrorResult struct {
	Success      bool   `json:"success"`
	Error        bool   `json:"error"`
	ErrorMessage string `json:"error_message"`
	ToolName     string `json:"tool_name"`
}

// MCPErrorHandler rewrites error results into MCPErrorResult JSON.
func MCPErrorHandler() func(ctx context.Context, name string, result *mcp.CallToolResult) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, name string, result *mcp.CallToolResult) (*mcp.CallToolResult, error) {
		if result == nil || !result.IsError {
			return result, nil
		}

		logger.Warnf("MCP tool %s returned an error result", name)

		errorJSON, err := json.Marshal(MCPErrorResult{
			Success:      false,
			Error:        true,
			ErrorMessage: extractErrorMessage(result),
			ToolName:     name,
		})
		if err != nil {
			return nil, fmt.Errorf("encode MCP error result: %w", err)
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{Type: "text", Text: string(errorJSON)},
			},
			IsError: false,
		}, nil
	}
}

func extractErrorMessage(result *mcp.CallToolResult) string {
	for _, content := range result.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			if c.Text != "" {
				return c.Text
			}
		case *mcp.TextContent:
			if c.Text != "" {
				return c.Text
			}
		}
	}
	return "MCP tool failed"
}

// IsMCPErrorResult reports whether a skill result is an MCPErrorResult.
func IsMCPErrorResult(resultText string) (bool, *MCPErrorResult) {
	var errorResult MCPErrorResult
	if err := json.Unmarshal([]byte(resultText), &errorResult); err != nil {
		return false, nil
	}
	if errorResult.Error && !errorResult.Success {
		return true, &errorResult
	}
	return false, nil
}
