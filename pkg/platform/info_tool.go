package platform

import (
	"context"
	"sort"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Info describes this assistant deployment.
type Info struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Tools       []string `json:"tools"`
	Tables      []string `json:"queryable_tables"`
	Features    Features `json:"features"`
}

// Features describes enabled capabilities.
type Features struct {
	KnowledgeRetrieval bool `json:"knowledge_retrieval"`
	DurableSessions    bool `json:"durable_sessions"`
}

// infoInput is empty since this tool has no parameters.
type infoInput struct{}

// registerInfoTool registers the assistant_info tool.
func (p *Platform) registerInfoTool() {
	mcp.AddTool(p.mcpServer, &mcp.Tool{
		Name: "assistant_info",
		Description: "Get information about this LMS assistant: which tables can be queried " +
			"and which capabilities are enabled. Call this first to understand what is available.",
	}, p.handleInfo)
}

func (p *Platform) handleInfo(_ context.Context, _ *mcp.CallToolRequest, _ infoInput) (*mcp.CallToolResult, any, error) {
	tables := make([]string, 0, len(p.config.LMS.AllowedTables))
	for table := range p.config.LMS.AllowedTables {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	return jsonResult(Info{
		Name:        p.config.Server.Name,
		Version:     p.config.Server.Version,
		Description: p.config.Server.Description,
		Tools:       []string{"chat", "get_session_info", "get_system_stats", "close_session", "assistant_info"},
		Tables:      tables,
		Features: Features{
			KnowledgeRetrieval: p.config.Knowledge.Enabled,
			DurableSessions:    p.config.Sessions.PostgresDSN != "",
		},
	})
}
