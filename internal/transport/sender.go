package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/foxzi/mailgate/internal/config"
	"github.com/foxzi/mailgate/internal/dkim"
	"github.com/foxzi/mailgate/internal/queue"
)

// HeaderEmailID carries the queue id on every outbound message
const HeaderEmailID = "X-Mailgate-ID"

// New creates the transport selected by cfg.Provider
func New(ctx context.Context, cfg config.TransportConfig, logger *slog.Logger) (Transport, error) {
	switch cfg.Provider {
	case "smtp":
		t := NewSMTPTransport(SMTPConfig{
			Host:               cfg.SMTP.Host,
			Port:               cfg.SMTP.Port,
			Username:           cfg.SMTP.Username,
			Password:           cfg.SMTP.Password,
			TLS:                cfg.SMTP.TLS,
			HELO:               cfg.SMTP.HELO,
			InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
			Timeout:            cfg.SMTP.Timeout,
		}, logger)
		if cfg.SMTP.DKIM.Enabled {
			signer, err := dkim.LoadSigner(cfg.SMTP.DKIM.KeyFile, cfg.SMTP.DKIM.Domain, cfg.SMTP.DKIM.Selector)
			if err != nil {
				return nil, err
			}
			t.SetDKIMSigner(signer)
			logger.Info("DKIM signing enabled", "domain", signer.Domain(), "selector", signer.Selector())
		}
		return t, nil
	case "ses":
		return NewSESTransport(ctx, SESConfig{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKeyID,
			SecretAccessKey:  cfg.SES.SecretAccessKey,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		}, logger)
	case "http":
		return NewHTTPTransport(HTTPConfig{
			Endpoint: cfg.HTTP.Endpoint,
			APIKey:   cfg.HTTP.APIKey,
			Timeout:  cfg.HTTP.Timeout,
		}, logger), nil
	case "log":
		return NewLogTransport(logger), nil
	default:
		return nil, fmt.Errorf("unknown transport provider: %s", cfg.Provider)
	}
}

// QueueSender delivers queued emails through a transport
type QueueSender struct {
	transport Transport
	from      string
}

// NewQueueSender creates a queue.Sender sending as from
func NewQueueSender(t Transport, from string) *QueueSender {
	return &QueueSender{transport: t, from: from}
}

// Send converts the queued email to a message and sends it.
// The Message-ID is derived from the queue id so retries reuse it.
func (s *QueueSender) Send(ctx context.Context, email *queue.Email) (*queue.SendResult, error) {
	msg := &Message{
		From:    s.from,
		To:      email.To,
		CC:      email.CC,
		BCC:     email.BCC,
		ReplyTo: email.ReplyTo,
		Subject: email.Subject,
		HTML:    email.HTMLContent,
		Text:    email.TextContent,
		Headers: map[string]string{HeaderEmailID: email.ID},
	}
	msg.MessageID = "<" + email.ID + "@" + addressDomain(s.from) + ">"

	receipt, err := s.transport.Send(ctx, msg)
	if err != nil {
		return nil, err
	}
	return &queue.SendResult{Provider: receipt.Provider, MessageID: receipt.MessageID}, nil
}
