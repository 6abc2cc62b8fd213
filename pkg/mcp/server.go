package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/archodex/backend/pkg/client"
	"github.com/archodex/backend/pkg/graph"
	"github.com/archodex/backend/pkg/query"
)

// Server adapts the archodex backend to the Model Context Protocol.
type Server struct {
	mcpServer *server.MCPServer
	apiClient *client.Client
}

// NewServer creates a new MCP server instance.
func NewServer(apiURL, adminToken string) *Server {
	var opts []client.Option
	if adminToken != "" {
		opts = append(opts, client.WithAdminToken(adminToken))
	}
	s := &Server{
		mcpServer: server.NewMCPServer(
			"archodex",
			"1.0.0",
		),
		apiClient: client.NewClient(apiURL, opts...),
	}
	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// --- Resources ---

func (s *Server) registerResources() {
	// archodex://snapshot
	s.mcpServer.AddResource(mcp.NewResource(
		"archodex://snapshot",
		"Resource Graph Snapshot",
		mcp.WithResourceDescription("The full security resource graph: resources, access events, and global containers"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadSnapshot(query.FilterAll))

	// archodex://snapshot/secrets
	s.mcpServer.AddResource(mcp.NewResource(
		"archodex://snapshot/secrets",
		"Secrets Graph Snapshot",
		mcp.WithResourceDescription("The graph restricted to secret resources and the events touching them"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadSnapshot(query.FilterSecrets))
}

// --- Tools ---

func (s *Server) registerTools() {
	// query_graph
	s.mcpServer.AddTool(mcp.NewTool(
		"query_graph",
		mcp.WithDescription("Fetch a snapshot of the security resource graph. Returns resources, events, and global containers."),
		mcp.WithString("filter", mcp.Description("Named filter: 'all' (default) or 'secrets'")),
	), s.handleQueryGraph)

	// get_principal_chain
	s.mcpServer.AddTool(mcp.NewTool(
		"get_principal_chain",
		mcp.WithDescription("Look up one principal chain record by its encoded id, as found in an event's principal_chains."),
		mcp.WithString("id", mcp.Required(), mcp.Description("The chain id as a JSON array of {id, event} hops")),
	), s.handleGetPrincipalChain)
}

// --- Prompts ---

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.NewPrompt(
		"archodex-aware",
		mcp.WithPromptDescription("Provides context about archodex concepts (Resources, Principals, Events, Chains)"),
	), s.handleGetPrompt)
}

// --- Handlers ---

func (s *Server) handleReadSnapshot(filter query.Filter) server.ResourceHandlerFunc {
	return func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		snap, err := s.apiClient.Snapshot(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
		}

		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      request.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	}
}

func (s *Server) handleQueryGraph(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := mcp.ParseString(request, "filter", string(query.FilterAll))
	filter, err := query.ParseFilter(name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid filter: %v", err)), nil
	}

	snap, err := s.apiClient.Snapshot(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal snapshot: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleGetPrincipalChain(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := mcp.ParseString(request, "id", "")
	id, err := graph.DecodePrincipalChainKey(key)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid chain id: %v", err)), nil
	}

	chain, err := s.apiClient.PrincipalChain(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	data, err := json.MarshalIndent(chain, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal chain: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleGetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	if name != "archodex-aware" {
		return nil, fmt.Errorf("prompt not found: %s", name)
	}

	promptText := `You are interacting with archodex, a security resource graph backend.

Concepts:
- Resource: a typed asset identified by an ordered path of (type, id) pairs, e.g. [["Host","h1"],["Container","c2"]].
- Principal: a resource that acts on other resources.
- Event: a typed edge between a principal and a resource, with first/last seen timestamps.
- Principal chain: the ordered sequence of actor hops that produced an event, usable as a causal witness.
- Global container: a root resource (like a well-known API endpoint) that contains descendants discovered through it.

Use 'query_graph' to fetch the current graph. The 'secrets' filter restricts it to secret
resources and the events touching them. Use 'get_principal_chain' with a chain id from an
event's principal_chains to see when that chain was first and last observed.
`

	return mcp.NewGetPromptResult(
		"archodex-aware",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(promptText)),
		},
	), nil
}
