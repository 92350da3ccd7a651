package transport

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// LogTransport logs messages instead of sending them. Used in development.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport creates a log-only transport
func NewLogTransport(logger *slog.Logger) *LogTransport {
	return &LogTransport{logger: logger.With("component", "transport", "provider", "log")}
}

// Name returns the provider name
func (t *LogTransport) Name() string {
	return "log"
}

// Send logs the envelope and returns a synthetic id
func (t *LogTransport) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if err := validate(t.Name(), msg); err != nil {
		return nil, err
	}

	id := "log-" + uuid.NewString()
	t.logger.Info("message logged",
		"message_id", id,
		"from", msg.From,
		"to", msg.To,
		"cc", msg.CC,
		"bcc_count", len(msg.BCC),
		"subject", msg.Subject,
		"html_size", len(msg.HTML),
		"text_size", len(msg.Text),
	)
	return &Receipt{Provider: t.Name(), MessageID: id}, nil
}
