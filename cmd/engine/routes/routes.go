package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/conductor/cmd/engine/container"
	"github.com/lyzr/conductor/cmd/engine/handlers"
)

// Register wires all engine routes
func Register(e *echo.Echo, c *container.Container) {
	execution := handlers.NewExecutionHandler(c.Engine, c.LogStore)

	v1 := e.Group("/v1")
	{
		v1.POST("/workflows/:workflow_id/execute", execution.Execute)
		v1.GET("/workflows/:workflow_id/executions", execution.List)
		v1.POST("/workflows/:workflow_id/nodes/:node_id/execute", execution.ExecuteNode)

		v1.GET("/executions/:execution_id", execution.Get)
		v1.POST("/executions/:execution_id/cancel", execution.Cancel)
		v1.POST("/executions/:execution_id/resume", execution.Resume)
		v1.GET("/executions/:execution_id/logs", execution.Logs)
	}
}
