package external

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lyzr/conductor/cmd/engine/runner"
	"github.com/lyzr/conductor/common/errs"
)

// defaultMaxRounds caps AI-directed planning loops.
const defaultMaxRounds = 10

const directorSystemPrompt = `You plan API calls against a SaaS provider to accomplish a goal.
Respond with a single JSON object: {"action_type": "<operation>", "parameters": {...}, "rationale": "<one sentence>"}.
Emit {"action_type": "complete", "parameters": {"summary": "..."}} when the goal is met.`

// Director runs the optional AI-directed mode: the model plans one provider
// call per round until it declares the goal complete or the round cap hits.
type Director struct {
	chat      runner.ChatProvider
	model     string
	maxRounds int
}

// NewDirector creates an AI-directed planner on a chat provider
func NewDirector(chat runner.ChatProvider, model string) *Director {
	return &Director{chat: chat, model: model, maxRounds: defaultMaxRounds}
}

// decision is one parsed planning round
type decision struct {
	ActionType string                 `json:"action_type"`
	Parameters map[string]interface{} `json:"parameters"`
	Rationale  string                 `json:"rationale"`
}

// Run drives the plan/execute loop and returns the accumulated call results
func (d *Director) Run(ctx context.Context, rc *runner.Context, provider Provider, token string) (map[string]interface{}, error) {
	goal := runner.ConfigString(rc.Config, "goal", "")
	maxRounds := runner.ConfigInt(rc.Config, "max_rounds", d.maxRounds)
	if maxRounds > d.maxRounds {
		maxRounds = d.maxRounds
	}

	messages := []runner.ChatMessage{
		{Role: "user", Content: "Goal: " + goal},
	}
	var calls []map[string]interface{}

	for round := 1; round <= maxRounds; round++ {
		resp, err := d.chat.Complete(ctx, &runner.ChatRequest{
			Model:        d.model,
			SystemPrompt: directorSystemPrompt,
			Messages:     messages,
			MaxTokens:    1024,
		})
		if err != nil {
			return nil, errs.Wrap(errs.KindModel, "planning round failed", err)
		}

		dec, err := parseDecision(resp.Content)
		if err != nil {
			return nil, err
		}

		rc.Log("info", fmt.Sprintf("ai-directed round %d: %s", round, dec.ActionType), map[string]interface{}{
			"round":       round,
			"action_type": dec.ActionType,
			"rationale":   dec.Rationale,
		})

		if dec.ActionType == "complete" {
			return map[string]interface{}{
				"completed": true,
				"rounds":    round,
				"summary":   dec.Parameters["summary"],
				"calls":     calls,
			}, nil
		}

		result, err := provider.Call(ctx, token, normalizeOperation(rc.Node.Subtype, dec.ActionType), dec.Parameters)
		if err != nil {
			return nil, classifyAPIError(err)
		}
		calls = append(calls, map[string]interface{}{
			"action_type": dec.ActionType,
			"result":      result,
		})

		resultJSON, _ := json.Marshal(result)
		messages = append(messages,
			runner.ChatMessage{Role: "assistant", Content: resp.Content},
			runner.ChatMessage{Role: "user", Content: "Result: " + string(resultJSON)},
		)
	}

	return nil, errs.Newf(errs.KindModel, "goal not reached within %d rounds", maxRounds)
}

// parseDecision extracts the JSON decision, tolerating fenced code blocks
func parseDecision(content string) (*decision, error) {
	trimmed := strings.TrimSpace(content)
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			trimmed = trimmed[start : end+1]
		}
	}

	var dec decision
	if err := json.Unmarshal([]byte(trimmed), &dec); err != nil {
		return nil, errs.Wrap(errs.KindResponse, "unparseable planning decision", err)
	}
	if dec.ActionType == "" {
		return nil, errs.New(errs.KindResponse, "planning decision missing action_type")
	}
	if dec.Parameters == nil {
		dec.Parameters = map[string]interface{}{}
	}
	return &dec, nil
}
