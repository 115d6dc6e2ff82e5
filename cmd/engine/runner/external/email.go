package external

import (
	"context"

	mail "github.com/wneessen/go-mail"

	"github.com/lyzr/conductor/common/config"
	"github.com/lyzr/conductor/common/errs"
)

// EmailProvider sends mail over the platform's SMTP relay. Email needs no
// brokered credential; the relay is configured per deployment.
type EmailProvider struct {
	cfg *config.ProviderConfig
}

// NewEmailProvider creates the SMTP provider
func NewEmailProvider(cfg *config.ProviderConfig) *EmailProvider {
	return &EmailProvider{cfg: cfg}
}

func (p *EmailProvider) CredentialName() string { return "" }

func (p *EmailProvider) Call(ctx context.Context, _ string, operation string, params map[string]interface{}) (map[string]interface{}, error) {
	if operation != "send" {
		return nil, errs.Newf(errs.KindValidation, "unknown email operation %q", operation)
	}

	to, err := requireString(params, "to")
	if err != nil {
		return nil, err
	}
	subject, err := requireString(params, "subject")
	if err != nil {
		return nil, err
	}
	body, err := requireString(params, "body")
	if err != nil {
		return nil, err
	}

	msg := mail.NewMsg()
	if err := msg.From(p.cfg.SMTPFrom); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "invalid sender address", err)
	}
	if err := msg.To(to); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "invalid recipient address", err)
	}
	msg.Subject(subject)

	contentType := mail.TypeTextPlain
	if html, ok := params["html"].(bool); ok && html {
		contentType = mail.TypeTextHTML
	}
	msg.SetBodyString(contentType, body)

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
		return nil, errs.Wrap(errs.KindNetwork, "smtp client setup failed", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return nil, errs.Wrap(errs.KindNetwork, "send failed", err)
	}

	return map[string]interface{}{
		"sent": true,
		"to":   to,
	}, nil
}
