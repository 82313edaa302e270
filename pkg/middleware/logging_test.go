package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connectLoggingClient wires a server with the logging middleware to an
// in-memory client.
func connectLoggingClient(t *testing.T, logBuf *bytes.Buffer) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	server := mcp.NewServer(&mcp.Implementation{Name: "test-server", Version: "0.0.1"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "echo"}, func(_ context.Context, _ *mcp.CallToolRequest, args struct{ Message string }) (*mcp.CallToolResult, any, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "echo: " + args.Message}},
		}, nil, nil
	})
	mcp.AddTool(server, &mcp.Tool{Name: "fail"}, func(context.Context, *mcp.CallToolRequest, struct{}) (*mcp.CallToolResult, any, error) {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "Error: it broke"}},
			IsError: true,
		}, nil, nil
	})

	logger := slog.New(slog.NewTextHandler(logBuf, nil))
	server.AddReceivingMiddleware(ToolCallLogging(logger))

	t1, t2 := mcp.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0"}, nil)
	clientSession, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = clientSession.Close()
		_ = serverSession.Close()
	})
	return clientSession
}

func TestToolCallLogging(t *testing.T) {
	var logBuf bytes.Buffer
	cs := connectLoggingClient(t, &logBuf)

	_, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"Message": "hello"},
	})
	require.NoError(t, err)

	logs := logBuf.String()
	assert.Contains(t, logs, "tool call completed")
	assert.Contains(t, logs, "tool=echo")
	assert.Contains(t, logs, "duration_ms=")
}

func TestToolCallLogging_ErrorResult(t *testing.T) {
	var logBuf bytes.Buffer
	cs := connectLoggingClient(t, &logBuf)

	result, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: "fail"})
	require.NoError(t, err)
	assert.True(t, result.IsError)

	logs := logBuf.String()
	assert.Contains(t, logs, "tool call returned error result")
	assert.Contains(t, logs, "tool=fail")
}

func TestToolCallLogging_OtherMethodsPassThrough(t *testing.T) {
	var logBuf bytes.Buffer
	cs := connectLoggingClient(t, &logBuf)

	_, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)

	assert.NotContains(t, logBuf.String(), "tool call")
}
