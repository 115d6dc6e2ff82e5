package external

import (
	"context"

	"github.com/bwmarrin/discordgo"

	"github.com/lyzr/conductor/common/errs"
)

// DiscordProvider reaches the Discord REST API with the user's bot token.
// Only REST calls are made; no gateway session is opened.
type DiscordProvider struct{}

// NewDiscordProvider creates the Discord provider
func NewDiscordProvider() *DiscordProvider {
	return &DiscordProvider{}
}

func (p *DiscordProvider) CredentialName() string { return "discord" }

func (p *DiscordProvider) Call(ctx context.Context, token, operation string, params map[string]interface{}) (map[string]interface{}, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, errs.Wrap(errs.KindAuth, "invalid discord token", err)
	}

	switch operation {
	case "send_message":
		channelID, err := requireString(params, "channel_id")
		if err != nil {
			return nil, err
		}
		content, err := requireString(params, "content")
		if err != nil {
			return nil, err
		}
		msg, err := session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"message_id": msg.ID,
			"channel_id": msg.ChannelID,
		}, nil

	case "create_thread":
		channelID, err := requireString(params, "channel_id")
		if err != nil {
			return nil, err
		}
		name, err := requireString(params, "name")
		if err != nil {
			return nil, err
		}
		thread, err := session.ThreadStartComplex(channelID, &discordgo.ThreadStart{
			Name: name,
			Type: discordgo.ChannelTypeGuildPublicThread,
		}, discordgo.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"thread_id": thread.ID}, nil

	case "get_channel":
		channelID, err := requireString(params, "channel_id")
		if err != nil {
			return nil, err
		}
		channel, err := session.Channel(channelID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"id":   channel.ID,
			"name": channel.Name,
			"type": int(channel.Type),
		}, nil

	default:
		return nil, errs.Newf(errs.KindValidation, "unknown discord operation %q", operation)
	}
}
