package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/conductor/cmd/scheduler/container"
	"github.com/lyzr/conductor/cmd/scheduler/routes"
	"github.com/lyzr/conductor/common/bootstrap"
	"github.com/lyzr/conductor/common/middleware"
	"github.com/lyzr/conductor/common/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "scheduler", bootstrap.WithoutQueue())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap scheduler: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	c, err := container.New(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize scheduler container: %v\n", err)
		os.Exit(1)
	}

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e, components)
	routes.Register(e, c)

	// Cron firings run alongside the HTTP surface in every replica.
	go c.CronDriver.Run(ctx)

	srv := server.New("scheduler", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

func setupMiddleware(e *echo.Echo) {
	e.Use(echomw.Logger())
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())
	e.Use(echomw.RequestID())
	e.Use(middleware.ExtractUserID())
}

func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(503, map[string]string{"status": "unhealthy", "error": err.Error()})
		}
		return c.JSON(200, map[string]string{
			"status":  "ok",
			"service": "scheduler",
		})
	})
}
