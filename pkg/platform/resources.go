package platform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/yosida95/uritemplate/v3"
)

// schemaTemplateURI exposes per-table schema as an MCP resource.
const schemaTemplateURI = "lms://schema/{table}"

// registerSchemaResource registers the table schema resource template.
func (p *Platform) registerSchemaResource() {
	p.mcpServer.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: schemaTemplateURI,
		Name:        "LMS Table Schema",
		Description: "Queryable columns of an LMS table from the configured allow-list",
		MIMEType:    "application/json",
	}, p.handleSchemaResource)
}

// tableSchemaResult is the resource payload for one table.
type tableSchemaResult struct {
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
}

// handleSchemaResource handles lms://schema/{table} requests.
func (p *Platform) handleSchemaResource(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	vars, err := parseTemplateVars(schemaTemplateURI, uri)
	if err != nil {
		return nil, mcp.ResourceNotFoundError(uri) //nolint:wrapcheck // MCP protocol error returned as-is for SDK type matching
	}

	table := vars["table"]
	columns, ok := p.config.LMS.AllowedTables[table]
	if !ok {
		return nil, mcp.ResourceNotFoundError(uri) //nolint:wrapcheck // MCP protocol error returned as-is for SDK type matching
	}

	data, err := json.MarshalIndent(tableSchemaResult{Table: table, Columns: columns}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding schema resource: %w", err)
	}

	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{
				URI:      uri,
				MIMEType: "application/json",
				Text:     string(data),
			},
		},
	}, nil
}

// parseTemplateVars extracts named variables from a URI using a URI template.
func parseTemplateVars(templateStr, uri string) (map[string]string, error) {
	tmpl, err := uritemplate.New(templateStr)
	if err != nil {
		return nil, fmt.Errorf("invalid template %q: %w", templateStr, err)
	}

	match := tmpl.Match(uri)
	if match == nil {
		return nil, fmt.Errorf("uri %q does not match template %q", uri, templateStr)
	}

	result := make(map[string]string)
	for _, name := range tmpl.Varnames() {
		result[name] = match.Get(name).String()
	}
	return result, nil
}
