// Package middleware provides MCP protocol-level middleware for the
// assistant's server.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const methodToolsCall = "tools/call"

// ToolCallLogging creates MCP protocol-level middleware that logs every
// tools/call request with its tool name, outcome, and duration. Other
// protocol methods pass through untouched.
func ToolCallLogging(logger *slog.Logger) mcp.Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mcp")

	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			if method != methodToolsCall {
				return next(ctx, method, req)
			}

			toolName := extractToolName(req)
			start := time.Now()

			result, err := next(ctx, method, req)

			attrs := []any{
				"tool", toolName,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			switch {
			case err != nil:
				logger.Error("tool call failed", append(attrs, "error", err)...)
			case isErrorResult(result):
				logger.Warn("tool call returned error result", attrs...)
			default:
				logger.Info("tool call completed", attrs...)
			}

			return result, err
		}
	}
}

// extractToolName pulls the tool name from a tools/call request. Returns
// "unknown" rather than failing since logging is best-effort.
func extractToolName(req mcp.Request) string {
	params := req.GetParams()
	if params == nil {
		return "unknown"
	}
	callParams, ok := params.(*mcp.CallToolParamsRaw)
	if !ok || callParams == nil || callParams.Name == "" {
		return "unknown"
	}
	return callParams.Name
}

func isErrorResult(result mcp.Result) bool {
	callResult, ok := result.(*mcp.CallToolResult)
	return ok && callResult != nil && callResult.IsError
}
