package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/lyzr/conductor/cmd/scheduler/clients"
	"github.com/lyzr/conductor/cmd/scheduler/signature"
	"github.com/lyzr/conductor/cmd/scheduler/triggerkey"
	"github.com/lyzr/conductor/common/cache"
	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/logger"
	"github.com/lyzr/conductor/common/models"
)

// triggerCacheTTL bounds how late the event path may observe a deploy.
const triggerCacheTTL = 5 * time.Second

// TriggerIndex is the index lookup surface the router reads through.
// Implemented by repository.TriggerIndexRepository.
type TriggerIndex interface {
	ListActiveByIndexKey(ctx context.Context, indexKey string) ([]*models.TriggerIndexEntry, error)
	ListByWorkflow(ctx context.Context, workflowID string) ([]*models.TriggerIndexEntry, error)
}

// EngineInvoker starts executions on the engine. Implemented by
// clients.EngineClient.
type EngineInvoker interface {
	Execute(ctx context.Context, workflowID, actor string, req *clients.ExecuteRequest) (*clients.ExecuteResponse, error)
}

// RouterService matches inbound events against the trigger index and starts
// executions for every surviving match
type RouterService struct {
	triggerRepo TriggerIndex
	cache       cache.Cache
	engine      EngineInvoker
	log         *logger.Logger
}

// RouterServiceOpts contains options for creating a RouterService
type RouterServiceOpts struct {
	TriggerRepo TriggerIndex
	Cache       cache.Cache
	Engine      EngineInvoker
	Logger      *logger.Logger
}

// NewRouterService creates a new router service with options pattern
func NewRouterService(opts *RouterServiceOpts) *RouterService {
	return &RouterService{
		triggerRepo: opts.TriggerRepo,
		cache:       opts.Cache,
		engine:      opts.Engine,
		log:         opts.Logger,
	}
}

// RouteResult acknowledges event routing. The transport owns redelivery, so
// per-workflow start failures are reported here, never retried.
type RouteResult struct {
	Matched      int                      `json:"matched"`
	Started      int                      `json:"started"`
	ExecutionIDs []string                 `json:"execution_ids,omitempty"`
	Errors       []string                 `json:"errors,omitempty"`
	SyncResponse *clients.ExecuteResponse `json:"sync_response,omitempty"`
}

// WebhookEvent is a normalized inbound webhook request
type WebhookEvent struct {
	Path      string
	Method    string
	Headers   map[string]string
	Query     map[string]string
	Body      []byte
	Signature string
}

// RouteWebhook matches a webhook request against the index
func (s *RouterService) RouteWebhook(ctx context.Context, ev *WebhookEvent) (*RouteResult, error) {
	key := triggerkey.Webhook(ev.Path, ev.Method)
	entries, err := s.lookupEntries(ctx, key)
	if err != nil {
		return nil, err
	}

	var parsedBody interface{}
	if len(ev.Body) > 0 {
		if err := json.Unmarshal(ev.Body, &parsedBody); err != nil {
			parsedBody = string(ev.Body)
		}
	}

	result := &RouteResult{}
	for _, entry := range entries {
		cfg, err := entry.DecodeConfig()
		if err != nil {
			s.log.Warn("skipping trigger with bad config", "workflow_id", entry.WorkflowID, "error", err)
			continue
		}

		if !methodAllowed(cfg, ev.Method) {
			continue
		}
		if secret, _ := cfg["secret"].(string); secret != "" {
			if err := signature.VerifyWebhook(secret, ev.Signature, ev.Body); err != nil {
				s.log.Warn("webhook signature rejected", "workflow_id", entry.WorkflowID)
				continue
			}
		}

		result.Matched++

		input := map[string]interface{}{
			"body":    parsedBody,
			"headers": ev.Headers,
			"query":   ev.Query,
			"path":    ev.Path,
			"method":  ev.Method,
		}
		wait, _ := cfg["response_mode"].(string)

		resp, err := s.startExecution(ctx, entry, input, nil, wait == "sync")
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.Started++
		result.ExecutionIDs = append(result.ExecutionIDs, resp.ExecutionID)
		if wait == "sync" && result.SyncResponse == nil {
			result.SyncResponse = resp
		}
	}

	return result, nil
}

// GithubEvent is a normalized inbound GitHub App event
type GithubEvent struct {
	EventType  string
	DeliveryID string
	Payload    []byte
}

// RouteGithub matches a verified GitHub event against the index
func (s *RouterService) RouteGithub(ctx context.Context, ev *GithubEvent) (*RouteResult, error) {
	var payload struct {
		Installation struct {
			ID json.Number `json:"id"`
		} `json:"installation"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		s.log.Warn("unparseable github payload", "delivery_id", ev.DeliveryID, "error", err)
		return &RouteResult{}, nil
	}

	key := triggerkey.Github(payload.Installation.ID.String(), payload.Repository.FullName)
	entries, err := s.lookupEntries(ctx, key)
	if err != nil {
		return nil, err
	}

	var raw map[string]interface{}
	_ = json.Unmarshal(ev.Payload, &raw)

	result := &RouteResult{}
	for _, entry := range entries {
		cfg, err := entry.DecodeConfig()
		if err != nil {
			continue
		}

		if !listAllows(cfg, "events", ev.EventType) {
			continue
		}
		// Push events may scope to branches.
		if ev.EventType == "push" && payload.Ref != "" {
			branch := strings.TrimPrefix(payload.Ref, "refs/heads/")
			if !listAllows(cfg, "branches", branch) {
				continue
			}
		}

		result.Matched++

		input := map[string]interface{}{
			"event_type":  ev.EventType,
			"delivery_id": ev.DeliveryID,
			"payload":     raw,
		}
		resp, err := s.startExecution(ctx, entry, input, raw, false)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		result.Started++
		result.ExecutionIDs = append(result.ExecutionIDs, resp.ExecutionID)
	}

	return result, nil
}

// SlackEvent is a normalized inbound Slack event
type SlackEvent struct {
	TeamID    string
	EventType string
	Channel   string
	User      string
	Payload   map[string]interface{}
}

// RouteSlack matches a verified Slack event against the index. Both the
// team-scoped and the global bucket are consulted.
func (s *RouterService) RouteSlack(ctx context.Context, ev *SlackEvent) (*RouteResult, error) {
	keys := []string{triggerkey.Slack(ev.TeamID)}
	if ev.TeamID != "" {
		keys = append(keys, triggerkey.Slack(""))
	}

	result := &RouteResult{}
	seen := map[string]bool{}

	for _, key := range keys {
		entries, err := s.lookupEntries(ctx, key)
		if err != nil {
			return nil, err
		}

		for _, entry := range entries {
			if seen[entry.ID] {
				continue
			}
			seen[entry.ID] = true

			cfg, err := entry.DecodeConfig()
			if err != nil {
				continue
			}

			if !listAllows(cfg, "event_types", ev.EventType) {
				continue
			}
			if !listAllows(cfg, "channels", ev.Channel) {
				continue
			}
			if !listAllows(cfg, "users", ev.User) {
				continue
			}

			result.Matched++

			input := map[string]interface{}{
				"team_id":    ev.TeamID,
				"event_type": ev.EventType,
				"channel":    ev.Channel,
				"user":       ev.User,
				"event":      ev.Payload,
			}
			resp, err := s.startExecution(ctx, entry, input, ev.Payload, false)
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.Started++
			result.ExecutionIDs = append(result.ExecutionIDs, resp.ExecutionID)
		}
	}

	return result, nil
}

// TriggerExecution starts one execution directly (manual invocation path).
// Without an explicit node_id the workflow's declared trigger node is used.
func (s *RouterService) TriggerExecution(ctx context.Context, workflowID, actor string, triggerMeta map[string]interface{}, input map[string]interface{}) (*clients.ExecuteResponse, error) {
	nodeID, _ := triggerMeta["node_id"].(string)
	if nodeID == "" {
		var err error
		nodeID, err = s.defaultTriggerNode(ctx, workflowID)
		if err != nil {
			return nil, err
		}
	}

	ti := &models.TriggerInfo{
		Type:      models.NodeTypeTrigger,
		Subtype:   models.TriggerManual,
		NodeID:    nodeID,
		RawEvent:  triggerMeta,
		InputData: input,
	}

	return s.engine.Execute(ctx, workflowID, actor, &clients.ExecuteRequest{
		TriggerInfo: ti,
		InputData:   input,
	})
}

// defaultTriggerNode resolves the trigger node for a manual invocation that
// named no node: the MANUAL trigger when one is indexed, else the workflow's
// only trigger.
func (s *RouterService) defaultTriggerNode(ctx context.Context, workflowID string) (string, error) {
	entries, err := s.triggerRepo.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errs.Newf(errs.KindValidation, "workflow %s has no deployed trigger; pass trigger_metadata.node_id", workflowID)
	}

	for _, entry := range entries {
		if entry.TriggerSubtype == models.TriggerManual {
			return entry.NodeID, nil
		}
	}
	return entries[0].NodeID, nil
}

func (s *RouterService) startExecution(ctx context.Context, entry *models.TriggerIndexEntry, input, raw map[string]interface{}, wait bool) (*clients.ExecuteResponse, error) {
	ti := &models.TriggerInfo{
		Type:      entry.TriggerType,
		Subtype:   entry.TriggerSubtype,
		NodeID:    entry.NodeID,
		RawEvent:  raw,
		InputData: input,
	}

	resp, err := s.engine.Execute(ctx, entry.WorkflowID, "", &clients.ExecuteRequest{
		TriggerInfo: ti,
		InputData:   input,
		Wait:        wait,
	})
	if err != nil {
		s.log.Error("failed to start execution",
			"workflow_id", entry.WorkflowID,
			"index_key", entry.IndexKey,
			"error", err,
		)
		return nil, err
	}

	return resp, nil
}

// lookupEntries reads the index through the TTL cache
func (s *RouterService) lookupEntries(ctx context.Context, indexKey string) ([]*models.TriggerIndexEntry, error) {
	cacheKey := "trigger_index:" + indexKey

	if s.cache != nil {
		if cached, ok, _ := s.cache.Get(ctx, cacheKey); ok {
			var entries []*models.TriggerIndexEntry
			if err := json.Unmarshal(cached, &entries); err == nil {
				return entries, nil
			}
		}
	}

	entries, err := s.triggerRepo.ListActiveByIndexKey(ctx, indexKey)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if encoded, err := json.Marshal(entries); err == nil {
			_ = s.cache.Set(ctx, cacheKey, encoded, triggerCacheTTL)
		}
	}

	return entries, nil
}

// methodAllowed checks the trigger's allowed_methods filter; an absent filter
// allows any method the index key already matched.
func methodAllowed(cfg map[string]interface{}, method string) bool {
	raw, ok := cfg["allowed_methods"]
	if !ok {
		return true
	}
	list, ok := raw.([]interface{})
	if !ok {
		return true
	}
	for _, m := range list {
		if str, ok := m.(string); ok && strings.EqualFold(str, method) {
			return true
		}
	}
	return false
}

// listAllows checks a string-list filter; an absent or empty filter allows
// everything.
func listAllows(cfg map[string]interface{}, field, value string) bool {
	raw, ok := cfg[field]
	if !ok {
		return true
	}
	list, ok := raw.([]interface{})
	if !ok || len(list) == 0 {
		return true
	}
	for _, item := range list {
		if str, ok := item.(string); ok && str == value {
			return true
		}
	}
	return false
}
