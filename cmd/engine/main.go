package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/conductor/cmd/engine/container"
	"github.com/lyzr/conductor/cmd/engine/routes"
	"github.com/lyzr/conductor/common/bootstrap"
	"github.com/lyzr/conductor/common/middleware"
	"github.com/lyzr/conductor/common/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "engine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap engine: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	c, err := container.New(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize engine container: %v\n", err)
		os.Exit(1)
	}

	if err := c.Engine.StartWorkers(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start execution workers: %v\n", err)
		os.Exit(1)
	}

	// Background sweeps: expired human-loop pauses and log retention.
	go runPauseSweep(ctx, c)
	go c.LogStore.RunRetentionSweep(ctx, components.Config.Logs.Retention, components.Config.Logs.SweepInterval)

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e, components)
	routes.Register(e, c)

	srv := server.New("engine", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func runPauseSweep(ctx context.Context, c *container.Container) {
	interval := c.Components.Config.Engine.PauseSweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Engine.RunPauseSweep(ctx); err != nil {
				c.Components.Logger.Error("pause sweep failed", "error", err)
			}
		}
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
			"service": "engine",
		})
	})
}
