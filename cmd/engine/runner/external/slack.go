package external

import (
	"context"

	"github.com/slack-go/slack"

	"github.com/lyzr/conductor/common/errs"
)

// SlackProvider reaches the Slack Web API with the user's brokered bot token
type SlackProvider struct{}

// NewSlackProvider creates the Slack provider
func NewSlackProvider() *SlackProvider {
	return &SlackProvider{}
}

func (p *SlackProvider) CredentialName() string { return "slack" }

func (p *SlackProvider) Call(ctx context.Context, token, operation string, params map[string]interface{}) (map[string]interface{}, error) {
	api := slack.New(token)

	switch operation {
	case "post_message":
		channel, err := requireString(params, "channel")
		if err != nil {
			return nil, err
		}
		text, err := requireString(params, "text")
		if err != nil {
			return nil, err
		}

		opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
		if ts, ok := params["thread_ts"].(string); ok && ts != "" {
			opts = append(opts, slack.MsgOptionTS(ts))
		}

		respChannel, timestamp, err := api.PostMessageContext(ctx, channel, opts...)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"ok":      true,
			"channel": respChannel,
			"ts":      timestamp,
		}, nil

	case "add_reaction":
		channel, err := requireString(params, "channel")
		if err != nil {
			return nil, err
		}
		timestamp, err := requireString(params, "timestamp")
		if err != nil {
			return nil, err
		}
		name, err := requireString(params, "name")
		if err != nil {
			return nil, err
		}
		if err := api.AddReactionContext(ctx, name, slack.ItemRef{Channel: channel, Timestamp: timestamp}); err != nil {
			return nil, err
		}
		return map[string]interface{}{"ok": true}, nil

	case "list_channels":
		channels, cursor, err := api.GetConversationsContext(ctx, &slack.GetConversationsParameters{Limit: 200})
		if err != nil {
			return nil, err
		}
		list := make([]interface{}, 0, len(channels))
		for _, ch := range channels {
			list = append(list, map[string]interface{}{
				"id":   ch.ID,
				"name": ch.Name,
			})
		}
		return map[string]interface{}{
			"channels":    list,
			"next_cursor": cursor,
		}, nil

	default:
		return nil, errs.Newf(errs.KindValidation, "unknown slack operation %q", operation)
	}
}
