package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/lyzr/conductor/cmd/scheduler/triggerkey"
	"github.com/lyzr/conductor/common/cache"
	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/expr"
	"github.com/lyzr/conductor/common/logger"
	"github.com/lyzr/conductor/common/models"
	"github.com/lyzr/conductor/common/repository"
)

// DeployService turns workflow specs into trigger index rows and back
type DeployService struct {
	workflowRepo *repository.WorkflowRepository
	triggerRepo  *repository.TriggerIndexRepository
	deployRepo   *repository.DeploymentRepository
	cache        cache.Cache
	evaluator    *expr.Evaluator
	validate     *validator.Validate
	log          *logger.Logger
}

// DeployServiceOpts contains options for creating a DeployService
type DeployServiceOpts struct {
	WorkflowRepo *repository.WorkflowRepository
	TriggerRepo  *repository.TriggerIndexRepository
	DeployRepo   *repository.DeploymentRepository
	Cache        cache.Cache
	Evaluator    *expr.Evaluator
	Logger       *logger.Logger
}

// NewDeployService creates a new deploy service with options pattern
func NewDeployService(opts *DeployServiceOpts) *DeployService {
	return &DeployService{
		workflowRepo: opts.WorkflowRepo,
		triggerRepo:  opts.TriggerRepo,
		deployRepo:   opts.DeployRepo,
		cache:        opts.Cache,
		evaluator:    opts.Evaluator,
		validate:     validator.New(),
		log:          opts.Logger,
	}
}

// DeployResponse is returned by Deploy
type DeployResponse struct {
	DeploymentID      string `json:"deployment_id"`
	DeploymentVersion int    `json:"deployment_version"`
	Status            string `json:"status"`
	TriggerCount      int    `json:"trigger_count"`
	Message           string `json:"message,omitempty"`
}

// Deploy validates the spec, writes one trigger index row per trigger node,
// flips the workflow to DEPLOYED and snapshots the spec, atomically. A nil
// spec deploys the stored workflow revision.
func (s *DeployService) Deploy(ctx context.Context, workflowID string, spec *models.WorkflowSpec, actor string) (*DeployResponse, error) {
	wf, err := s.workflowRepo.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if spec == nil {
		spec, err = wf.DecodeSpec()
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, "stored workflow spec is malformed", err)
		}
	}
	spec.ID = workflowID

	if err := s.validateSpec(spec); err != nil {
		return nil, err
	}

	entries, err := s.buildTriggerEntries(ctx, spec)
	if err != nil {
		return nil, err
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal spec: %w", err)
	}

	record := &models.DeploymentRecord{
		ID:                uuid.NewString(),
		WorkflowID:        workflowID,
		DeploymentVersion: wf.DeploymentVersion + 1,
		Spec:              specJSON,
		DeployedBy:        actor,
	}

	if err := s.deployRepo.Deploy(ctx, record, entries); err != nil {
		return nil, err
	}

	s.invalidateKeys(ctx, entries)

	s.log.Info("workflow deployed",
		"workflow_id", workflowID,
		"deployment_version", record.DeploymentVersion,
		"triggers", len(entries),
	)

	return &DeployResponse{
		DeploymentID:      record.ID,
		DeploymentVersion: record.DeploymentVersion,
		Status:            string(models.DeploymentDeployed),
		TriggerCount:      len(entries),
	}, nil
}

// Undeploy removes trigger rows and marks the workflow UNDEPLOYED.
// Idempotent.
func (s *DeployService) Undeploy(ctx context.Context, workflowID string) error {
	entries, err := s.triggerRepo.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}

	if err := s.deployRepo.Undeploy(ctx, workflowID); err != nil {
		return err
	}

	s.invalidateKeys(ctx, entries)
	s.log.Info("workflow undeployed", "workflow_id", workflowID)
	return nil
}

// Pause marks the workflow's trigger rows paused without removing them
func (s *DeployService) Pause(ctx context.Context, workflowID string) error {
	return s.setTriggerStatus(ctx, workflowID, models.TriggerIndexPaused)
}

// Resume reactivates paused trigger rows
func (s *DeployService) Resume(ctx context.Context, workflowID string) error {
	return s.setTriggerStatus(ctx, workflowID, models.TriggerActive)
}

func (s *DeployService) setTriggerStatus(ctx context.Context, workflowID string, status models.TriggerStatus) error {
	entries, err := s.triggerRepo.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}

	if err := s.deployRepo.SetTriggerStatus(ctx, workflowID, status); err != nil {
		return err
	}

	s.invalidateKeys(ctx, entries)
	return nil
}

// Status returns the workflow's deployment state and its index rows
func (s *DeployService) Status(ctx context.Context, workflowID string) (*models.Workflow, []*models.TriggerIndexEntry, error) {
	wf, err := s.workflowRepo.GetByID(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}

	entries, err := s.triggerRepo.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}

	return wf, entries, nil
}

// History returns deployment snapshots newest-first
func (s *DeployService) History(ctx context.Context, workflowID string, limit int) ([]*models.DeploymentRecord, error) {
	return s.deployRepo.ListHistory(ctx, workflowID, limit)
}

// validateSpec enforces the structural invariants of a workflow spec
func (s *DeployService) validateSpec(spec *models.WorkflowSpec) error {
	if err := s.validate.Struct(spec); err != nil {
		return errs.Wrap(errs.KindValidation, "workflow spec failed validation", err)
	}

	nodes := make(map[string]*models.Node, len(spec.Nodes))
	for i := range spec.Nodes {
		n := &spec.Nodes[i]
		if _, dup := nodes[n.ID]; dup {
			return errs.Newf(errs.KindValidation, "duplicate node id %q", n.ID)
		}
		if !models.KnownRunnerPair(n.Type, n.Subtype) {
			return errs.Newf(errs.KindValidation, "no runner for node %s (%s/%s)", n.ID, n.Type, n.Subtype)
		}
		nodes[n.ID] = n
	}

	for _, c := range spec.Connections {
		if _, ok := nodes[c.FromNode]; !ok {
			return errs.Newf(errs.KindValidation, "connection %s references unknown node %q", c.ID, c.FromNode)
		}
		if _, ok := nodes[c.ToNode]; !ok {
			return errs.Newf(errs.KindValidation, "connection %s references unknown node %q", c.ID, c.ToNode)
		}
		if c.ConversionFunction != "" {
			if err := s.evaluator.Compile(c.ConversionFunction); err != nil {
				return errs.Wrap(errs.KindValidation,
					fmt.Sprintf("connection %s has invalid conversion function", c.ID), err)
			}
		}
	}

	if len(spec.Triggers) == 0 {
		return errs.New(errs.KindValidation, "workflow declares no triggers")
	}
	for _, id := range spec.Triggers {
		n, ok := nodes[id]
		if !ok {
			return errs.Newf(errs.KindValidation, "trigger list references unknown node %q", id)
		}
		if n.Type != models.NodeTypeTrigger {
			return errs.Newf(errs.KindValidation, "trigger node %s has type %s, want TRIGGER", id, n.Type)
		}
	}

	return s.checkAcyclic(spec, nodes)
}

// checkAcyclic rejects cycles in the graph, except edges touching a LOOP
// node, which closes its body cycle on purpose.
func (s *DeployService) checkAcyclic(spec *models.WorkflowSpec, nodes map[string]*models.Node) error {
	isLoop := func(id string) bool {
		n := nodes[id]
		return n.Type == models.NodeTypeFlow && n.Subtype == models.FlowLoop
	}

	adj := make(map[string][]string)
	for _, c := range spec.Connections {
		if isLoop(c.FromNode) || isLoop(c.ToNode) {
			continue
		}
		adj[c.FromNode] = append(adj[c.FromNode], c.ToNode)
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(nodes))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return errs.Newf(errs.KindValidation, "workflow graph has a cycle through node %q", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, next := range adj[id] {
			if err := visit(next); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for id := range nodes {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// buildTriggerEntries computes one index row per trigger node and checks
// webhook keys for collisions with other workflows
func (s *DeployService) buildTriggerEntries(ctx context.Context, spec *models.WorkflowSpec) ([]*models.TriggerIndexEntry, error) {
	entries := make([]*models.TriggerIndexEntry, 0, len(spec.Triggers))

	for _, nodeID := range spec.Triggers {
		node := spec.NodeByID(nodeID)

		key, err := triggerkey.ForNode(spec.ID, node)
		if err != nil {
			return nil, err
		}

		if node.Subtype == models.TriggerCron {
			exprStr, _ := node.Configurations["cron_expression"].(string)
			if exprStr == "" {
				exprStr, _ = node.Configurations["expression"].(string)
			}
			if _, err := cron.ParseStandard(exprStr); err != nil {
				return nil, errs.Wrap(errs.KindValidation,
					fmt.Sprintf("cron trigger %s has invalid expression", node.ID), err)
			}
		}

		if node.Subtype == models.TriggerWebhook {
			collides, err := s.triggerRepo.HasActiveWebhookCollision(ctx, key, spec.ID)
			if err != nil {
				return nil, err
			}
			if collides {
				return nil, errs.Newf(errs.KindConflict, "webhook path already registered: %s", key)
			}
		}

		cfg, err := json.Marshal(node.Configurations)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal trigger config: %w", err)
		}

		entries = append(entries, &models.TriggerIndexEntry{
			ID:             uuid.NewString(),
			WorkflowID:     spec.ID,
			NodeID:         node.ID,
			TriggerType:    node.Type,
			TriggerSubtype: node.Subtype,
			IndexKey:       key,
			Config:         cfg,
			Status:         models.TriggerActive,
		})
	}

	return entries, nil
}

// invalidateKeys drops cached event-path lookups for the touched keys
func (s *DeployService) invalidateKeys(ctx context.Context, entries []*models.TriggerIndexEntry) {
	if s.cache == nil {
		return
	}
	for _, e := range entries {
		if err := s.cache.Delete(ctx, "trigger_index:"+e.IndexKey); err != nil {
			s.log.Warn("failed to invalidate trigger cache", "index_key", e.IndexKey, "error", err)
		}
	}
}
