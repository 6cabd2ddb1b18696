package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"agentflow/backend/internal/auth"
	"agentflow/backend/pkg/models"
)

// StartResponse is returned when a workflow has been accepted.
type StartResponse struct {
	WorkflowID string `json:"workflow_id"`
}

func currentUser(c echo.Context) (string, bool) {
	return auth.UserID(c.Request().Context())
}

// StartWorkflow seeds a new workflow and schedules it in the background.
// (POST /api/v1/workflows)
func (s *Server) StartWorkflow(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return writeError(c, http.StatusUnauthorized, "user not found in context")
	}

	id, err := s.workflows.Start(c.Request().Context(), userID)
	if err != nil {
		return s.fail(c, err)
	}
	c.Response().Header().Set(echo.HeaderLocation, "/api/v1/workflows/"+id)
	return c.JSON(http.StatusAccepted, StartResponse{WorkflowID: id})
}

// ListWorkflows returns the workflows of the calling user.
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return writeError(c, http.StatusUnauthorized, "user not found in context")
	}

	workflows, err := s.workflows.List(c.Request().Context(), userID)
	if err != nil {
		return s.fail(c, err)
	}
	views := make([]models.WorkflowView, 0, len(workflows))
	for _, wf := range workflows {
		views = append(views, models.NewWorkflowView(wf))
	}
	return c.JSON(http.StatusOK, views)
}

// GetWorkflow returns the joined snapshot of one workflow.
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	userID, ok := currentUser(c)
	if !ok {
		return writeError(c, http.StatusUnauthorized, "user not found in context")
	}

	snap, err := s.workflows.Snapshot(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}
