package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/conductor/cmd/scheduler/service"
	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/middleware"
	"github.com/lyzr/conductor/common/models"
)

// DeploymentHandler handles deploy/undeploy/pause requests
type DeploymentHandler struct {
	deploy *service.DeployService
}

// NewDeploymentHandler creates a new deployment handler
func NewDeploymentHandler(deploy *service.DeployService) *DeploymentHandler {
	return &DeploymentHandler{deploy: deploy}
}

// Deploy deploys a workflow
// POST /deployments/:workflow_id
func (h *DeploymentHandler) Deploy(c echo.Context) error {
	workflowID := c.Param("workflow_id")
	actor := middleware.GetUserID(c)

	// An empty body deploys the stored workflow revision.
	var spec *models.WorkflowSpec
	if c.Request().ContentLength != 0 {
		spec = &models.WorkflowSpec{}
		if err := c.Bind(spec); err != nil {
			return respondError(c, errs.Wrap(errs.KindValidation, "malformed workflow spec", err))
		}
	}

	resp, err := h.deploy.Deploy(c.Request().Context(), workflowID, spec, actor)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, resp)
}

// Undeploy removes a workflow's triggers
// DELETE /deployments/:workflow_id
func (h *DeploymentHandler) Undeploy(c echo.Context) error {
	workflowID := c.Param("workflow_id")

	if err := h.deploy.Undeploy(c.Request().Context(), workflowID); err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "workflow undeployed",
	})
}

// Pause marks trigger rows paused without removing them
// POST /deployments/:workflow_id/pause
func (h *DeploymentHandler) Pause(c echo.Context) error {
	workflowID := c.Param("workflow_id")

	if err := h.deploy.Pause(c.Request().Context(), workflowID); err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

// Resume reactivates paused trigger rows
// POST /deployments/:workflow_id/resume
func (h *DeploymentHandler) Resume(c echo.Context) error {
	workflowID := c.Param("workflow_id")

	if err := h.deploy.Resume(c.Request().Context(), workflowID); err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

// Status returns deployment state and index rows
// GET /deployments/:workflow_id
func (h *DeploymentHandler) Status(c echo.Context) error {
	workflowID := c.Param("workflow_id")

	wf, entries, err := h.deploy.Status(c.Request().Context(), workflowID)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"workflow_id":        wf.ID,
		"deployment_status":  wf.DeploymentStatus,
		"deployment_version": wf.DeploymentVersion,
		"triggers":           entries,
	})
}

// History returns deployment snapshots newest-first
// GET /deployments/:workflow_id/history
func (h *DeploymentHandler) History(c echo.Context) error {
	workflowID := c.Param("workflow_id")
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	records, err := h.deploy.History(c.Request().Context(), workflowID, limit)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"workflow_id": workflowID,
		"deployments": records,
	})
}
