package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/conductor/cmd/scheduler/container"
	"github.com/lyzr/conductor/cmd/scheduler/handlers"
)

// Register wires all scheduler routes
func Register(e *echo.Echo, c *container.Container) {
	deployment := handlers.NewDeploymentHandler(c.DeployService)
	events := handlers.NewEventHandler(c.RouterService, c.Components.Config, c.Components.Logger)
	trigger := handlers.NewTriggerHandler(c.RouterService)

	deployments := e.Group("/deployments")
	{
		deployments.POST("/:workflow_id", deployment.Deploy)
		deployments.DELETE("/:workflow_id", deployment.Undeploy)
		deployments.POST("/:workflow_id/pause", deployment.Pause)
		deployments.POST("/:workflow_id/resume", deployment.Resume)
		deployments.GET("/:workflow_id", deployment.Status)
		deployments.GET("/:workflow_id/history", deployment.History)
	}

	e.POST("/executions/workflows/:workflow_id/trigger", trigger.TriggerExecution)

	e.Any("/webhooks/*", events.Webhook)
	e.POST("/github/trigger", events.GithubEvent)
	e.POST("/slack/events", events.SlackEvents)
	e.POST("/slack/commands", events.SlackCommand)
}
