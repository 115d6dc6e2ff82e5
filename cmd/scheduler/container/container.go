package container

import (
	"fmt"

	"github.com/lyzr/conductor/cmd/scheduler/clients"
	"github.com/lyzr/conductor/cmd/scheduler/cron"
	"github.com/lyzr/conductor/cmd/scheduler/service"
	"github.com/lyzr/conductor/common/bootstrap"
	"github.com/lyzr/conductor/common/expr"
	"github.com/lyzr/conductor/common/repository"
)

// Container wires scheduler services once at startup
type Container struct {
	Components *bootstrap.Components

	WorkflowRepo *repository.WorkflowRepository
	TriggerRepo  *repository.TriggerIndexRepository
	DeployRepo   *repository.DeploymentRepository

	Engine        *clients.EngineClient
	DeployService *service.DeployService
	RouterService *service.RouterService
	CronDriver    *cron.Driver
}

// New creates the scheduler container
func New(components *bootstrap.Components) (*Container, error) {
	evaluator, err := expr.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create expression evaluator: %w", err)
	}

	workflowRepo := repository.NewWorkflowRepository(components.DB)
	triggerRepo := repository.NewTriggerIndexRepository(components.DB)
	deployRepo := repository.NewDeploymentRepository(components.DB)

	engine := clients.NewEngineClient(components.Config.Service.EngineBaseURL)

	deployService := service.NewDeployService(&service.DeployServiceOpts{
		WorkflowRepo: workflowRepo,
		TriggerRepo:  triggerRepo,
		DeployRepo:   deployRepo,
		Cache:        components.Cache,
		Evaluator:    evaluator,
		Logger:       components.Logger,
	})

	routerService := service.NewRouterService(&service.RouterServiceOpts{
		TriggerRepo: triggerRepo,
		Cache:       components.Cache,
		Engine:      engine,
		Logger:      components.Logger,
	})

	cronDriver := cron.NewDriver(&cron.DriverOpts{
		TriggerRepo: triggerRepo,
		Engine:      engine,
		Redis:       components.Redis,
		Logger:      components.Logger,
	})

	return &Container{
		Components:    components,
		WorkflowRepo:  workflowRepo,
		TriggerRepo:   triggerRepo,
		DeployRepo:    deployRepo,
		Engine:        engine,
		DeployService: deployService,
		RouterService: routerService,
		CronDriver:    cronDriver,
	}, nil
}
