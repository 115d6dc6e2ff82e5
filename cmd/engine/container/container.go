package container

import (
	"fmt"

	"github.com/lyzr/conductor/cmd/engine/credential"
	"github.com/lyzr/conductor/cmd/engine/engine"
	"github.com/lyzr/conductor/cmd/engine/logstore"
	"github.com/lyzr/conductor/cmd/engine/runner"
	"github.com/lyzr/conductor/cmd/engine/runner/external"
	"github.com/lyzr/conductor/common/bootstrap"
	"github.com/lyzr/conductor/common/crypto"
	"github.com/lyzr/conductor/common/expr"
	"github.com/lyzr/conductor/common/models"
	"github.com/lyzr/conductor/common/repository"
	"github.com/lyzr/conductor/common/security"
)

// directorModel drives AI-directed external actions. Decisions are small
// structured JSON; a fast model is enough.
const directorModel = "gpt-4o-mini"

// Container wires engine services once at startup
type Container struct {
	Components *bootstrap.Components

	WorkflowRepo  *repository.WorkflowRepository
	DeployRepo    *repository.DeploymentRepository
	ExecutionRepo *repository.ExecutionRepository

	LogStore *logstore.Store
	Broker   *credential.Broker
	Registry *runner.Registry
	Engine   *engine.Engine
}

// New creates the engine container
func New(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	evaluator, err := expr.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create expression evaluator: %w", err)
	}

	workflowRepo := repository.NewWorkflowRepository(components.DB)
	deployRepo := repository.NewDeploymentRepository(components.DB)
	executionRepo := repository.NewExecutionRepository(components.DB)
	logRepo := repository.NewExecutionLogRepository(components.DB)
	credentialRepo := repository.NewCredentialRepository(components.DB)

	logStore := logstore.New(logRepo, log)

	cipher, err := crypto.NewCipher(cfg.Security.CredentialEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential cipher: %w", err)
	}
	broker := credential.NewBroker(&credential.BrokerOpts{
		Repo:   credentialRepo,
		Cipher: cipher,
		Redis:  components.Redis,
		OAuth:  cfg.Providers.OAuth,
		Logger: log,
	})

	registry := buildRegistry(components, evaluator)

	eng := engine.New(&engine.Opts{
		Workflows:   workflowRepo,
		Deployments: deployRepo,
		Executions:  executionRepo,
		Logs:        logStore,
		Registry:    registry,
		Evaluator:   evaluator,
		Broker:      broker,
		Redis:       components.Redis,
		Queue:       components.Queue,
		Config:      cfg,
		Logger:      log,
	})

	return &Container{
		Components:    components,
		WorkflowRepo:  workflowRepo,
		DeployRepo:    deployRepo,
		ExecutionRepo: executionRepo,
		LogStore:      logStore,
		Broker:        broker,
		Registry:      registry,
		Engine:        eng,
	}, nil
}

// buildRegistry registers every built-in runner
func buildRegistry(components *bootstrap.Components, evaluator *expr.Evaluator) *runner.Registry {
	cfg := components.Config
	registry := runner.NewRegistry()

	runner.NewTriggerRunner().Register(registry)

	guard := security.NewURLGuard(cfg.Security.EnableURLGuard)
	registry.Register(models.NodeTypeAction, models.ActionHTTPRequest,
		runner.NewHTTPRequestRunner(guard, cfg.Engine.HTTPNodeTimeout))
	registry.Register(models.NodeTypeAction, models.ActionSleep, runner.NewSleepRunner())
	registry.Register(models.NodeTypeAction, models.ActionDataTransformation, runner.NewTransformRunner())

	registry.Register(models.NodeTypeFlow, models.FlowIf, runner.NewIfRunner(evaluator))
	registry.Register(models.NodeTypeFlow, models.FlowSwitch, runner.NewSwitchRunner(evaluator))
	registry.Register(models.NodeTypeFlow, models.FlowMerge, runner.NewMergeRunner())
	registry.Register(models.NodeTypeFlow, models.FlowLoop, runner.NewLoopRunner(evaluator))

	runner.NewAIAgentRunner(cfg).Register(registry)

	runner.NewHumanLoopRunner(
		runner.NewSlackPoster(),
		runner.NewSMTPPoster(&cfg.Providers),
	).Register(registry)

	runner.NewKeyValueRunner(components.Redis).Register(registry)

	director := external.NewDirector(
		runner.NewOpenAIProvider(cfg.Providers.OpenAIAPIKey, ""),
		directorModel,
	)
	external.NewRunner(external.Opts{
		Providers: map[string]external.Provider{
			models.ExternalSlack:          external.NewSlackProvider(),
			models.ExternalGithub:         external.NewGithubProvider(),
			models.ExternalNotion:         external.NewNotionProvider(),
			models.ExternalGoogleCalendar: external.NewCalendarProvider(),
			models.ExternalDiscord:        external.NewDiscordProvider(),
			models.ExternalEmail:          external.NewEmailProvider(&cfg.Providers),
		},
		Director: director,
	}).Register(registry)

	return registry
}
