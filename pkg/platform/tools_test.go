package platform

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edustack/mcp-lms-assistant/pkg/contextstore"
	"github.com/edustack/mcp-lms-assistant/pkg/llm"
	"github.com/edustack/mcp-lms-assistant/pkg/lmsdb"
)

type stubModel struct {
	intent llm.IntentAnalysis
	query  string
	reply  string
}

func (s *stubModel) AnalyzeIntent(context.Context, string, []llm.Message) (llm.IntentAnalysis, error) {
	return s.intent, nil
}

func (s *stubModel) GenerateQuery(context.Context, llm.GenerateQueryRequest) (string, error) {
	return s.query, nil
}

func (s *stubModel) SynthesizeResponse(context.Context, llm.SynthesizeRequest) (string, error) {
	return s.reply, nil
}

type stubExecutor struct {
	result *lmsdb.Result
}

func (s *stubExecutor) ExecuteReadOnly(context.Context, string) (*lmsdb.Result, error) {
	return s.result, nil
}

func (s *stubExecutor) Ping(context.Context) error { return nil }
func (s *stubExecutor) Close() error               { return nil }

// newTestPlatform builds a platform with stubbed collaborators.
func newTestPlatform(t *testing.T) *Platform {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LMS.DSN = "stub:stub@tcp(localhost:3306)/totara"

	model := &stubModel{
		intent: llm.IntentAnalysis{
			Intent:      "list courses",
			RequiresSQL: true,
			Complexity:  "simple",
			QueryType:   "course_info",
		},
		query: "SELECT id, fullname FROM courses LIMIT 10",
		reply: "Here are your courses.",
	}
	executor := &stubExecutor{
		result: &lmsdb.Result{
			Columns:  []string{"id", "fullname"},
			Rows:     []map[string]any{{"id": int64(1), "fullname": "Intro to Biology"}},
			RowCount: 1,
		},
	}

	p, err := New(cfg,
		WithModel(model),
		WithExecutor(executor),
		WithKnowledge(contextstore.NewNoopProvider()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p
}

// connectTestClient connects an in-memory MCP client to a server and returns the session.
// The caller must call cleanup() when done.
func connectTestClient(t *testing.T, server *mcp.Server) (*mcp.ClientSession, func()) {
	t.Helper()
	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()

	serverSession, err := server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "1.0"}, nil)
	clientSession, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)

	return clientSession, func() {
		_ = clientSession.Close()
		_ = serverSession.Close()
	}
}

// callTool invokes a tool and returns the text of its first content block.
func callTool(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	result, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)

	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return text.Text, result.IsError
}

func TestChatTool(t *testing.T) {
	p := newTestPlatform(t)
	cs, cleanup := connectTestClient(t, p.MCPServer())
	defer cleanup()

	text, isErr := callTool(t, cs, "chat", map[string]any{
		"user_id": "u1",
		"message": "Show me my enrolled courses",
	})
	require.False(t, isErr, "unexpected tool error: %s", text)

	var resp struct {
		Response   string  `json:"response"`
		Query      string  `json:"query"`
		Confidence float64 `json:"confidence"`
		SessionID  string  `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &resp))
	assert.Equal(t, "Here are your courses.", resp.Response)
	assert.Equal(t, "SELECT id, fullname FROM courses LIMIT 10", resp.Query)
	assert.NotEmpty(t, resp.SessionID)
	assert.GreaterOrEqual(t, resp.Confidence, 0.0)
	assert.LessOrEqual(t, resp.Confidence, 1.0)

	// same session on the next message
	text2, isErr := callTool(t, cs, "chat", map[string]any{
		"user_id": "u1",
		"message": "What about completions?",
	})
	require.False(t, isErr)
	var resp2 struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal([]byte(text2), &resp2))
	assert.Equal(t, resp.SessionID, resp2.SessionID)
}

func TestChatTool_InputValidation(t *testing.T) {
	p := newTestPlatform(t)
	cs, cleanup := connectTestClient(t, p.MCPServer())
	defer cleanup()

	// absent properties never reach the handler: the input schema rejects
	// them at the protocol level
	absent := []struct {
		name string
		args map[string]any
	}{
		{"missing user", map[string]any{"message": "hi"}},
		{"missing message", map[string]any{"user_id": "u1"}},
	}
	for _, tt := range absent {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
				Name:      "chat",
				Arguments: tt.args,
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid params")
		})
	}

	// present but unusable values are the handler's own rejections
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"blank user", map[string]any{"user_id": "  ", "message": "hi"}, "user_id"},
		{"blank message", map[string]any{"user_id": "u1", "message": "   "}, "message"},
		{"overlong message", map[string]any{"user_id": "u1", "message": strings.Repeat("x", 5000)}, "maximum length"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, isErr := callTool(t, cs, "chat", tt.args)
			assert.True(t, isErr)
			assert.Contains(t, text, tt.want)
		})
	}
}

func TestSessionInfoTool(t *testing.T) {
	p := newTestPlatform(t)
	cs, cleanup := connectTestClient(t, p.MCPServer())
	defer cleanup()

	// unknown user first
	text, isErr := callTool(t, cs, "get_session_info", map[string]any{"user_id": "ghost"})
	assert.True(t, isErr)
	assert.Contains(t, text, "no active session")

	_, isErr = callTool(t, cs, "chat", map[string]any{"user_id": "u1", "message": "hello courses"})
	require.False(t, isErr)

	text, isErr = callTool(t, cs, "get_session_info", map[string]any{"user_id": "u1"})
	require.False(t, isErr)

	var summary struct {
		UserID    string `json:"user_id"`
		SessionID string `json:"session_id"`
		Turns     int    `json:"conversation_turns"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &summary))
	assert.Equal(t, "u1", summary.UserID)
	assert.NotEmpty(t, summary.SessionID)
	assert.Equal(t, 1, summary.Turns)
}

func TestCloseSessionTool_Idempotence(t *testing.T) {
	p := newTestPlatform(t)
	cs, cleanup := connectTestClient(t, p.MCPServer())
	defer cleanup()

	_, isErr := callTool(t, cs, "chat", map[string]any{"user_id": "u1", "message": "hello"})
	require.False(t, isErr)

	text, isErr := callTool(t, cs, "close_session", map[string]any{"user_id": "u1"})
	require.False(t, isErr, "unexpected error: %s", text)
	assert.Contains(t, text, "closed")

	// second close reports not found
	text, isErr = callTool(t, cs, "close_session", map[string]any{"user_id": "u1"})
	assert.True(t, isErr)
	assert.Contains(t, text, "no active session")
}

func TestSystemStatsTool(t *testing.T) {
	p := newTestPlatform(t)
	cs, cleanup := connectTestClient(t, p.MCPServer())
	defer cleanup()

	_, isErr := callTool(t, cs, "chat", map[string]any{"user_id": "u1", "message": "hello courses"})
	require.False(t, isErr)

	text, isErr := callTool(t, cs, "get_system_stats", nil)
	require.False(t, isErr)

	var stats systemStats
	require.NoError(t, json.Unmarshal([]byte(text), &stats))
	assert.Equal(t, int64(1), stats.ActiveSessions)
	assert.Equal(t, int64(1), stats.TotalCreated)
	assert.Equal(t, int64(1), stats.TotalTurns)
	assert.Zero(t, stats.Rejections)
}

func TestStartPreservesPipelineCounters(t *testing.T) {
	p := newTestPlatform(t)
	cs, cleanup := connectTestClient(t, p.MCPServer())
	defer cleanup()

	_, isErr := callTool(t, cs, "chat", map[string]any{"user_id": "u1", "message": "hello courses"})
	require.False(t, isErr)

	require.NoError(t, p.Start(context.Background()))

	text, isErr := callTool(t, cs, "get_system_stats", nil)
	require.False(t, isErr)

	var stats systemStats
	require.NoError(t, json.Unmarshal([]byte(text), &stats))
	assert.Equal(t, int64(1), stats.TotalTurns, "startup must not reset pipeline counters")
}

func TestAssistantInfoTool(t *testing.T) {
	p := newTestPlatform(t)
	cs, cleanup := connectTestClient(t, p.MCPServer())
	defer cleanup()

	text, isErr := callTool(t, cs, "assistant_info", nil)
	require.False(t, isErr)

	var info Info
	require.NoError(t, json.Unmarshal([]byte(text), &info))
	assert.Equal(t, "mcp-lms-assistant", info.Name)
	assert.Contains(t, info.Tools, "chat")
	assert.Contains(t, info.Tables, "courses")
}

func TestSchemaResource(t *testing.T) {
	p := newTestPlatform(t)
	cs, cleanup := connectTestClient(t, p.MCPServer())
	defer cleanup()

	result, err := cs.ReadResource(context.Background(), &mcp.ReadResourceParams{
		URI: "lms://schema/courses",
	})
	require.NoError(t, err)
	require.Len(t, result.Contents, 1)

	var schema tableSchemaResult
	require.NoError(t, json.Unmarshal([]byte(result.Contents[0].Text), &schema))
	assert.Equal(t, "courses", schema.Table)
	assert.Contains(t, schema.Columns, "fullname")

	_, err = cs.ReadResource(context.Background(), &mcp.ReadResourceParams{
		URI: "lms://schema/not_a_table",
	})
	assert.Error(t, err)
}
