package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/conductor/cmd/scheduler/service"
	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/middleware"
)

// TriggerHandler handles direct (manual) workflow invocation
type TriggerHandler struct {
	router *service.RouterService
}

// NewTriggerHandler creates a new trigger handler
func NewTriggerHandler(router *service.RouterService) *TriggerHandler {
	return &TriggerHandler{router: router}
}

// TriggerExecution starts an execution directly
// POST /executions/workflows/:workflow_id/trigger
func (h *TriggerHandler) TriggerExecution(c echo.Context) error {
	workflowID := c.Param("workflow_id")
	actor := middleware.GetUserID(c)

	var req struct {
		TriggerMetadata map[string]interface{} `json:"trigger_metadata"`
		InputData       map[string]interface{} `json:"input_data"`
	}
	if err := c.Bind(&req); err != nil {
		return respondError(c, errs.Wrap(errs.KindValidation, "malformed trigger request", err))
	}

	resp, err := h.router.TriggerExecution(c.Request().Context(), workflowID, actor, req.TriggerMetadata, req.InputData)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusAccepted, resp)
}
