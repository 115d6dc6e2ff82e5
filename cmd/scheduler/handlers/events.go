package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/conductor/cmd/scheduler/service"
	"github.com/lyzr/conductor/cmd/scheduler/signature"
	"github.com/lyzr/conductor/common/config"
	"github.com/lyzr/conductor/common/errs"
	"github.com/lyzr/conductor/common/logger"
)

// maxEventBody caps inbound event payloads at 2 MiB.
const maxEventBody = 2 << 20

// EventHandler handles inbound event transports
type EventHandler struct {
	router *service.RouterService
	cfg    *config.Config
	log    *logger.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler(router *service.RouterService, cfg *config.Config, log *logger.Logger) *EventHandler {
	return &EventHandler{router: router, cfg: cfg, log: log}
}

// Webhook is the generic webhook ingress
// ANY /webhooks/*
func (h *EventHandler) Webhook(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return respondError(c, err)
	}

	headers := map[string]string{}
	for name := range c.Request().Header {
		headers[name] = c.Request().Header.Get(name)
	}
	query := map[string]string{}
	for name, values := range c.QueryParams() {
		if len(values) > 0 {
			query[name] = values[0]
		}
	}

	result, err := h.router.RouteWebhook(c.Request().Context(), &service.WebhookEvent{
		Path:      c.Param("*"),
		Method:    c.Request().Method,
		Headers:   headers,
		Query:     query,
		Body:      body,
		Signature: c.Request().Header.Get("X-Webhook-Signature"),
	})
	if err != nil {
		return respondError(c, err)
	}

	// Sync webhooks answer with the finished execution's output.
	if result.SyncResponse != nil {
		return c.JSON(http.StatusOK, result.SyncResponse)
	}
	if result.Matched == 0 {
		return respondError(c, errs.New(errs.KindNotFound, "no active trigger for this webhook"))
	}
	return c.JSON(http.StatusAccepted, result)
}

// GithubEvent receives GitHub App events forwarded by the gateway
// POST /github/trigger
func (h *EventHandler) GithubEvent(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return respondError(c, err)
	}

	sig := c.Request().Header.Get("X-Hub-Signature-256")
	if err := signature.VerifyGithub(h.cfg.Security.GithubWebhookSecret, sig, body); err != nil {
		return respondError(c, err)
	}

	var envelope struct {
		EventType     string          `json:"event_type"`
		DeliveryID    string          `json:"delivery_id"`
		GithubPayload json.RawMessage `json:"github_payload"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return respondError(c, errs.Wrap(errs.KindValidation, "malformed github envelope", err))
	}
	if envelope.EventType == "" {
		envelope.EventType = c.Request().Header.Get("X-GitHub-Event")
	}

	payload := []byte(envelope.GithubPayload)
	if len(payload) == 0 {
		payload = body
	}

	result, err := h.router.RouteGithub(c.Request().Context(), &service.GithubEvent{
		EventType:  envelope.EventType,
		DeliveryID: envelope.DeliveryID,
		Payload:    payload,
	})
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusAccepted, result)
}

// SlackEvents receives Slack Events API callbacks
// POST /slack/events
func (h *EventHandler) SlackEvents(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return respondError(c, err)
	}

	timestamp := c.Request().Header.Get("X-Slack-Request-Timestamp")
	sig := c.Request().Header.Get("X-Slack-Signature")
	if err := signature.VerifySlack(h.cfg.Security.SlackSigningSecret, timestamp, sig, body); err != nil {
		return respondError(c, err)
	}

	var payload struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
		TeamID    string `json:"team_id"`
		Event     struct {
			Type    string `json:"type"`
			Channel string `json:"channel"`
			User    string `json:"user"`
		} `json:"event"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return respondError(c, errs.Wrap(errs.KindValidation, "malformed slack payload", err))
	}

	// URL verification handshake echoes the challenge back.
	if payload.Type == "url_verification" {
		return c.JSON(http.StatusOK, map[string]string{"challenge": payload.Challenge})
	}

	var raw map[string]interface{}
	_ = json.Unmarshal(body, &raw)

	result, err := h.router.RouteSlack(c.Request().Context(), &service.SlackEvent{
		TeamID:    payload.TeamID,
		EventType: payload.Event.Type,
		Channel:   payload.Event.Channel,
		User:      payload.Event.User,
		Payload:   raw,
	})
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, result)
}

// SlackCommand receives Slack slash commands (form-encoded)
// POST /slack/commands
func (h *EventHandler) SlackCommand(c echo.Context) error {
	body, err := readBody(c)
	if err != nil {
		return respondError(c, err)
	}

	timestamp := c.Request().Header.Get("X-Slack-Request-Timestamp")
	sig := c.Request().Header.Get("X-Slack-Signature")
	if err := signature.VerifySlack(h.cfg.Security.SlackSigningSecret, timestamp, sig, body); err != nil {
		return respondError(c, err)
	}

	form, err := parseForm(body)
	if err != nil {
		return respondError(c, errs.Wrap(errs.KindValidation, "malformed slack command", err))
	}

	payload := map[string]interface{}{}
	for k, v := range form {
		payload[k] = v
	}

	result, err := h.router.RouteSlack(c.Request().Context(), &service.SlackEvent{
		TeamID:    form["team_id"],
		EventType: "slash_command",
		Channel:   form["channel_id"],
		User:      form["user_id"],
		Payload:   payload,
	})
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, result)
}

func parseForm(body []byte) (map[string]string, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	form := make(map[string]string, len(values))
	for k := range values {
		form[k] = values.Get(k)
	}
	return form, nil
}

func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxEventBody))
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "failed to read request body", err)
	}
	return body, nil
}
