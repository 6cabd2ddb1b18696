// Package mcp exposes workflow operations as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"agentflow/backend/internal/auth"
	"agentflow/backend/internal/services"
	"agentflow/backend/pkg/models"
)

// Workflows is the subset of the workflow service the tools call.
type Workflows interface {
	Start(ctx context.Context, ownerID string) (string, error)
	Snapshot(ctx context.Context, workflowID, userID string) (*models.Snapshot, error)
	List(ctx context.Context, userID string) ([]*models.Workflow, error)
}

type Server struct {
	mcpServer *server.MCPServer
	workflows Workflows
}

func NewServer(workflows Workflows) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"AgentFlow",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		workflows: workflows,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"start_workflow",
			mcp.WithDescription("Start a new travel planning workflow and return its id"),
		),
		s.handleStartWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_workflow_status",
			mcp.WithDescription("Return the workflow status and the status and result of every stage"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The ID of the workflow")),
		),
		s.handleGetWorkflowStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_workflows",
			mcp.WithDescription("List your workflows, newest first"),
		),
		s.handleListWorkflows,
	)
}

func (s *Server) handleStartWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, ok := auth.UserID(ctx)
	if !ok {
		return mcp.NewToolResultError("Not authenticated"), nil
	}

	id, err := s.workflows.Start(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start workflow: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(map[string]string{"workflow_id": id})
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleGetWorkflowStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, ok := auth.UserID(ctx)
	if !ok {
		return mcp.NewToolResultError("Not authenticated"), nil
	}

	args, ok := request.Params.Arguments.(map[string]any)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	workflowID, ok := args["workflow_id"].(string)
	if !ok || workflowID == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow_id"), nil
	}

	snap, err := s.workflows.Snapshot(ctx, workflowID, userID)
	switch {
	case services.IsNotFound(err):
		return mcp.NewToolResultError("Workflow not found: " + workflowID), nil
	case errors.Is(err, services.ErrForbidden):
		return mcp.NewToolResultError("Workflow belongs to another user"), nil
	case err != nil:
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read workflow: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(snap)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleListWorkflows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, ok := auth.UserID(ctx)
	if !ok {
		return mcp.NewToolResultError("Not authenticated"), nil
	}

	workflows, err := s.workflows.List(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list workflows: %v", err)), nil
	}

	views := make([]models.WorkflowView, 0, len(workflows))
	for _, wf := range workflows {
		views = append(views, models.NewWorkflowView(wf))
	}
	jsonBytes, _ := json.Marshal(views)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers serves the SSE transport under /mcp. The caller is
// expected to wrap mux with authentication; the user id found in the
// request context is carried into every tool call.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer,
		server.WithStaticBasePath("/mcp"),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if userID, ok := auth.UserID(r.Context()); ok {
				return auth.WithUserID(ctx, userID)
			}
			return ctx
		}),
	)

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
