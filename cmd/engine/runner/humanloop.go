package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/slack-go/slack"
	mail "github.com/wneessen/go-mail"

	"github.com/lyzr/conductor/common/config"
	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/models"
)

// defaultPauseTimeout bounds approvals whose config omits a timeout.
const defaultPauseTimeout = 24 * time.Hour

// SlackPoster posts a message to a Slack channel with a bot token.
type SlackPoster interface {
	PostMessage(ctx context.Context, token, channel, text string) error
}

// MailPoster sends a plain-text email.
type MailPoster interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Resumer is implemented by runners whose pause the engine can resume with
// an external response or expire on timeout.
type Resumer interface {
	Resume(ctx context.Context, rc *Context, pause *models.PendingPause, approved bool, response map[string]interface{}) *models.NodeExecutionResult
	Timeout(ctx context.Context, rc *Context, pause *models.PendingPause) *models.NodeExecutionResult
}

// HumanLoopRunner suspends the execution until a human answers through the
// configured channel. Execute posts the question and returns a PAUSED result;
// Resume records the answer and posts the follow-up message.
type HumanLoopRunner struct {
	slack SlackPoster
	mail  MailPoster
}

// NewHumanLoopRunner creates the human-in-the-loop runner
func NewHumanLoopRunner(slackPoster SlackPoster, mailPoster MailPoster) *HumanLoopRunner {
	return &HumanLoopRunner{slack: slackPoster, mail: mailPoster}
}

// Register registers the runner for every channel subtype
func (r *HumanLoopRunner) Register(reg *Registry) {
	for _, subtype := range []string{
		models.HumanLoopSlack, models.HumanLoopEmail, models.HumanLoopApp,
	} {
		reg.Register(models.NodeTypeHumanLoop, subtype, r)
	}
}

// Validate requires a question and the channel target
func (r *HumanLoopRunner) Validate(config map[string]interface{}) error {
	if ConfigString(config, "question", "") == "" {
		return errs.New(errs.KindValidation, "human loop requires a question")
	}
	return nil
}

// Execute posts the question and pauses
func (r *HumanLoopRunner) Execute(ctx context.Context, rc *Context) *models.NodeExecutionResult {
	question := ConfigString(rc.Config, "question", "")
	channelConfig := ConfigMap(rc.Config, "channel_config")
	if channelConfig == nil {
		channelConfig = rc.Config
	}

	if err := r.post(ctx, rc, rc.Node.Subtype, channelConfig, question); err != nil {
		return Failure(err)
	}

	pause := &models.PendingPause{
		NodeID:          rc.Node.ID,
		InteractionID:   uuid.NewString(),
		ResumeToken:     uuid.NewString(),
		Channel:         rc.Node.Subtype,
		ChannelConfig:   channelConfig,
		Question:        question,
		Timeout:         ConfigDuration(rc.Config, "timeout", defaultPauseTimeout),
		PausedAt:        time.Now().UTC(),
		ApprovedMessage: ConfigString(rc.Config, "approved_message", ""),
		RejectedMessage: ConfigString(rc.Config, "rejected_message", ""),
		TimeoutMessage:  ConfigString(rc.Config, "timeout_message", ""),
		TimeoutPort:     ConfigString(rc.Config, "timeout_port", ""),
	}

	rc.Log("info", fmt.Sprintf("awaiting %s response for interaction %s", strings.ToLower(pause.Channel), pause.InteractionID), map[string]interface{}{
		"interaction_id": pause.InteractionID,
		"channel":        pause.Channel,
	})

	return &models.NodeExecutionResult{
		Status: models.NodePaused,
		Pause:  pause,
	}
}

// Resume records the human response as the node's output and posts the
// configured follow-up message back to the channel. Follow-up failures are
// logged but do not fail the resume.
func (r *HumanLoopRunner) Resume(ctx context.Context, rc *Context, pause *models.PendingPause, approved bool, response map[string]interface{}) *models.NodeExecutionResult {
	followUp := pause.RejectedMessage
	if approved {
		followUp = pause.ApprovedMessage
	}
	if followUp != "" {
		if err := r.post(ctx, rc, pause.Channel, pause.ChannelConfig, followUp); err != nil {
			rc.Log("warn", "follow-up message failed: "+err.Error(), nil)
		}
	}

	output := map[string]interface{}{
		"approved":       approved,
		"interaction_id": pause.InteractionID,
	}
	for k, v := range response {
		output[k] = v
	}

	return Success(models.DefaultPort, output)
}

// Timeout expires a pause that never got a response. The configured timeout
// message is posted best-effort; the result routes to the timeout port when
// the node declares one, otherwise the node errors.
func (r *HumanLoopRunner) Timeout(ctx context.Context, rc *Context, pause *models.PendingPause) *models.NodeExecutionResult {
	if pause.TimeoutMessage != "" {
		if err := r.post(ctx, rc, pause.Channel, pause.ChannelConfig, pause.TimeoutMessage); err != nil {
			rc.Log("warn", "timeout message failed: "+err.Error(), nil)
		}
	}

	if pause.TimeoutPort != "" {
		return Success(pause.TimeoutPort, map[string]interface{}{
			"timed_out":      true,
			"interaction_id": pause.InteractionID,
		})
	}
	return Failure(errs.Newf(errs.KindTimeout, "no response within %s", pause.Timeout))
}

func (r *HumanLoopRunner) post(ctx context.Context, rc *Context, channel string, channelConfig map[string]interface{}, text string) error {
	switch channel {
	case models.HumanLoopSlack:
		target := ConfigString(channelConfig, "channel", "")
		if target == "" {
			return errs.New(errs.KindValidation, "slack approval requires channel")
		}
		token, err := rc.Credentials(ctx, "slack")
		if err != nil {
			return err
		}
		if err := r.slack.PostMessage(ctx, token, target, text); err != nil {
			return errs.Wrap(errs.KindNetwork, "slack post failed", err)
		}
		return nil

	case models.HumanLoopEmail:
		to := ConfigString(channelConfig, "to", "")
		if to == "" {
			return errs.New(errs.KindValidation, "email approval requires to")
		}
		subject := ConfigString(channelConfig, "subject", "Approval requested")
		if err := r.mail.Send(ctx, to, subject, text); err != nil {
			return errs.Wrap(errs.KindNetwork, "approval email failed", err)
		}
		return nil

	case models.HumanLoopApp:
		// In-app approvals surface through the execution record; nothing to
		// deliver out of band.
		return nil

	default:
		return errs.Newf(errs.KindValidation, "unknown human loop channel %q", channel)
	}
}

// slackPoster is the production SlackPoster backed by the Slack Web API
type slackPoster struct{}

// NewSlackPoster creates the Web API poster
func NewSlackPoster() SlackPoster {
	return &slackPoster{}
}

func (p *slackPoster) PostMessage(ctx context.Context, token, channel, text string) error {
	api := slack.New(token)
	_, _, err := api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	return err
}

// smtpPoster is the production MailPoster backed by SMTP
type smtpPoster struct {
	cfg *config.ProviderConfig
}

// NewSMTPPoster creates the SMTP poster
func NewSMTPPoster(cfg *config.ProviderConfig) MailPoster {
	return &smtpPoster{cfg: cfg}
}

func (p *smtpPoster) Send(ctx context.Context, to, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(p.cfg.SMTPFrom); err != nil {
		return err
	}
	if err := msg.To(to); err != nil {
		return err
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	opts := []mail.Option{mail.WithPort(p.cfg.SMTPPort)}
	if p.cfg.SMTPUsername != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(p.cfg.SMTPUsername),
			mail.WithPassword(p.cfg.SMTPPassword),
		)
	}

	client, err := mail.NewClient(p.cfg.SMTPHost, opts...)
	if err != nil {
		return err
	}
	return client.DialAndSendWithContext(ctx, msg)
}
