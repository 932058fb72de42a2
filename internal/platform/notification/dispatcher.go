package notification

import (
	"context"

	"github.com/rs/zerolog"
)

type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// TemplateDispatcher renders an event and hands it to the channel senders.
// Failures are logged, never returned.
type TemplateDispatcher struct {
	templates *TemplateEngine
	email     EmailSender
	sms       SMSSender
	logger    zerolog.Logger
}

func NewTemplateDispatcher(tpl *TemplateEngine, email EmailSender, sms SMSSender, logger zerolog.Logger) *TemplateDispatcher {
	return &TemplateDispatcher{templates: tpl, email: email, sms: sms, logger: logger}
}

func (d *TemplateDispatcher) Notify(ctx context.Context, evt Event) {
	subject, body, err := d.templates.Render(evt.Type, evt.Data)
	if err != nil {
		d.logger.Warn().Err(err).Str("event", string(evt.Type)).Msg("notification not rendered")
		return
	}

	channels := evt.Channels
	if len(channels) == 0 {
		channels = DefaultChannels
	}
	for _, ch := range channels {
		var sendErr error
		switch ch {
		case ChannelEmail:
			if evt.Recipient.Email == "" || d.email == nil {
				continue
			}
			sendErr = d.email.SendEmail(ctx, evt.Recipient.Email, subject, body)
		case ChannelSMS:
			if evt.Recipient.Phone == "" || d.sms == nil {
				continue
			}
			sendErr = d.sms.SendSMS(ctx, evt.Recipient.Phone, body)
		default:
			continue
		}
		if sendErr != nil {
			d.logger.Warn().Err(sendErr).
				Str("event", string(evt.Type)).
				Str("tenant_id", evt.TenantID).
				Str("channel", string(ch)).
				Msg("notification delivery failed")
		}
	}
}

// LogSender writes outbound messages to the log. It is the delivery backend
// until a mail or SMS provider is configured.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) SendEmail(_ context.Context, to, subject, _ string) error {
	s.Logger.Info().Str("channel", "email").Str("to", to).Str("subject", subject).Msg("notification sent")
	return nil
}

func (s LogSender) SendSMS(_ context.Context, to, body string) error {
	s.Logger.Info().Str("channel", "sms").Str("to", to).Int("length", len(body)).Msg("notification sent")
	return nil
}
