package triggerkey

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/models"
)

// Trigger index keys are deterministic strings both sides of the index agree
// on: deploy derives one from a trigger node's configuration, event ingestion
// derives the same one from the inbound event, and matching is an equality
// lookup.

// ForNode builds the index key for a trigger node at deploy time.
func ForNode(workflowID string, node *models.Node) (string, error) {
	cfg := node.Configurations

	switch node.Subtype {
	case models.TriggerCron:
		expr := configString(cfg, "cron_expression")
		if expr == "" {
			expr = configString(cfg, "expression")
		}
		if expr == "" {
			return "", errs.Newf(errs.KindValidation, "cron trigger %s missing cron_expression", node.ID)
		}
		tz := configString(cfg, "timezone")
		if tz == "" {
			tz = "UTC"
		}
		return Cron(expr, tz), nil

	case models.TriggerWebhook:
		path := configString(cfg, "path")
		if path == "" {
			return "", errs.Newf(errs.KindValidation, "webhook trigger %s missing path", node.ID)
		}
		method := configString(cfg, "method")
		if method == "" {
			method = "POST"
		}
		return Webhook(path, method), nil

	case models.TriggerGithub:
		installation := configString(cfg, "installation_id")
		repo := configString(cfg, "repository")
		if repo == "" {
			repo = configString(cfg, "repo_full_name")
		}
		if installation == "" || repo == "" {
			return "", errs.Newf(errs.KindValidation, "github trigger %s missing installation_id or repository", node.ID)
		}
		return Github(installation, repo), nil

	case models.TriggerSlack:
		return Slack(configString(cfg, "team_id")), nil

	case models.TriggerEmail:
		mailbox := configString(cfg, "mailbox")
		if mailbox == "" {
			return "", errs.Newf(errs.KindValidation, "email trigger %s missing mailbox", node.ID)
		}
		return Email(mailbox), nil

	case models.TriggerManual:
		return Manual(workflowID, node.ID), nil

	default:
		return "", errs.Newf(errs.KindValidation, "unknown trigger subtype %q on node %s", node.Subtype, node.ID)
	}
}

// Cron builds a cron trigger key
func Cron(expr, tz string) string {
	return fmt.Sprintf("cron:%s:%s", strings.TrimSpace(expr), tz)
}

// Webhook builds a webhook trigger key. Paths are normalized without the
// leading slash; methods are uppercased.
func Webhook(path, method string) string {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	return fmt.Sprintf("webhook:%s:%s", path, strings.ToUpper(method))
}

// Github builds a GitHub trigger key
func Github(installationID, repoFullName string) string {
	return fmt.Sprintf("github:%s:%s", installationID, strings.ToLower(repoFullName))
}

// Slack builds a Slack trigger key. An empty team id falls into the global
// bucket for single-workspace installs.
func Slack(teamID string) string {
	if teamID == "" {
		teamID = "global"
	}
	return fmt.Sprintf("slack:%s", teamID)
}

// Email builds an email trigger key
func Email(mailbox string) string {
	return fmt.Sprintf("email:%s", strings.ToLower(strings.TrimSpace(mailbox)))
}

// Manual builds a manual trigger key. It always matches direct invocation of
// its own workflow.
func Manual(workflowID, nodeID string) string {
	return fmt.Sprintf("manual:%s:%s", workflowID, nodeID)
}

func configString(cfg map[string]interface{}, key string) string {
	if cfg == nil {
		return ""
	}
	if v, ok := cfg[key].(string); ok {
		return strings.TrimSpace(v)
	}
	if v, ok := cfg[key].(float64); ok {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}
