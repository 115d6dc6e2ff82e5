package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/conductor/cmd/engine/engine"
	"github.com/lyzr/conductor/cmd/engine/logstore"
	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/middleware"
	"github.com/lyzr/conductor/common/models"
)

// ExecutionHandler exposes the execution lifecycle over HTTP
type ExecutionHandler struct {
	engine *engine.Engine
	logs   *logstore.Store
}

// NewExecutionHandler creates a new execution handler
func NewExecutionHandler(eng *engine.Engine, logs *logstore.Store) *ExecutionHandler {
	return &ExecutionHandler{engine: eng, logs: logs}
}

// Execute accepts an execution request
// POST /v1/workflows/:workflow_id/execute?wait=true
func (h *ExecutionHandler) Execute(c echo.Context) error {
	workflowID := c.Param("workflow_id")
	actor := middleware.GetUserID(c)
	wait, _ := strconv.ParseBool(c.QueryParam("wait"))

	var req struct {
		TriggerInfo *models.TriggerInfo    `json:"trigger_info"`
		InputData   map[string]interface{} `json:"input_data"`
	}
	if err := c.Bind(&req); err != nil {
		return respondError(c, errs.Wrap(errs.KindValidation, "malformed execution request", err))
	}

	exec, err := h.engine.Execute(c.Request().Context(), workflowID, req.TriggerInfo, req.InputData, actor, wait)
	if err != nil {
		return respondError(c, err)
	}

	status := http.StatusAccepted
	if wait {
		status = http.StatusOK
	}
	return c.JSON(status, exec)
}

// Get returns an execution snapshot
// GET /v1/executions/:execution_id
func (h *ExecutionHandler) Get(c echo.Context) error {
	exec, err := h.engine.GetExecution(c.Request().Context(), c.Param("execution_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, exec)
}

// List returns a workflow's executions, newest first
// GET /v1/workflows/:workflow_id/executions?limit=&offset=
func (h *ExecutionHandler) List(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	execs, err := h.engine.ListExecutions(c.Request().Context(), c.Param("workflow_id"), limit, offset)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"executions": execs,
		"count":      len(execs),
	})
}

// Cancel requests cancellation of a running execution
// POST /v1/executions/:execution_id/cancel
func (h *ExecutionHandler) Cancel(c echo.Context) error {
	executionID := c.Param("execution_id")

	canceled, err := h.engine.CancelExecution(c.Request().Context(), executionID)
	if err != nil {
		return respondError(c, err)
	}
	if !canceled {
		return respondError(c, errs.Newf(errs.KindState, "execution %s is not cancelable", executionID))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"execution_id": executionID,
		"status":       string(models.ExecutionCanceled),
	})
}

// Resume delivers a human response to a paused execution
// POST /v1/executions/:execution_id/resume
func (h *ExecutionHandler) Resume(c echo.Context) error {
	var req engine.ResumeRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, errs.Wrap(errs.KindValidation, "malformed resume request", err))
	}

	exec, err := h.engine.ResumeExecution(c.Request().Context(), c.Param("execution_id"), &req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, exec)
}

// ExecuteNode runs one node in isolation for debugging
// POST /v1/workflows/:workflow_id/nodes/:node_id/execute
func (h *ExecutionHandler) ExecuteNode(c echo.Context) error {
	actor := middleware.GetUserID(c)

	var req struct {
		InputData map[string]interface{} `json:"input_data"`
	}
	if err := c.Bind(&req); err != nil {
		return respondError(c, errs.Wrap(errs.KindValidation, "malformed node execution request", err))
	}

	result, err := h.engine.ExecuteSingleNode(c.Request().Context(), c.Param("workflow_id"), c.Param("node_id"), req.InputData, actor)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// Logs returns one page of an execution's log
// GET /v1/executions/:execution_id/logs?min_priority=&milestones=&level=&page_size=&cursor=
func (h *ExecutionHandler) Logs(c echo.Context) error {
	minPriority, _ := strconv.Atoi(c.QueryParam("min_priority"))
	milestonesOnly, _ := strconv.ParseBool(c.QueryParam("milestones"))
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))

	page, err := h.logs.Query(c.Request().Context(), c.Param("execution_id"),
		minPriority, milestonesOnly, c.QueryParam("level"), pageSize, c.QueryParam("cursor"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}
