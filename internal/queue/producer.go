package queue

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/foxzi/mailgate/internal/metrics"
	"github.com/google/uuid"
)

// EmailRequest is what producers hand to QueueEmail
type EmailRequest struct {
	To          []string
	CC          []string
	BCC         []string
	ReplyTo     string
	Subject     string
	HTMLContent string
	TextContent string
	Priority    Priority
	Metadata    map[string]any
}

// Producer validates and persists outbound emails
type Producer struct {
	store       Store
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

// NewProducer creates a new producer
func NewProducer(store Store, maxAttempts int, logger *slog.Logger) *Producer {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Producer{
		store:       store,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "producer"),
		now:         time.Now,
	}
}

// QueueEmail validates req and inserts it as a pending email.
// Invalid requests fail with ErrInvalidEmail before anything is written.
func (p *Producer) QueueEmail(ctx context.Context, req *EmailRequest) (*Email, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	now := p.now().UTC()
	email := &Email{
		ID:          uuid.New().String(),
		To:          req.To,
		CC:          req.CC,
		BCC:         req.BCC,
		ReplyTo:     strings.TrimSpace(req.ReplyTo),
		Subject:     strings.TrimSpace(req.Subject),
		HTMLContent: req.HTMLContent,
		TextContent: req.TextContent,
		Priority:    req.Priority,
		Status:      StatusPending,
		Attempts:    0,
		MaxAttempts: p.maxAttempts,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := p.store.Insert(ctx, email); err != nil {
		return nil, fmt.Errorf("failed to queue email: %w", err)
	}

	metrics.IncEmailsEnqueued(email.Priority.String())
	p.logger.Debug("email queued",
		"email_id", email.ID,
		"priority", email.Priority.String(),
		"recipients", len(email.To)+len(email.CC)+len(email.BCC),
	)

	return email, nil
}

func validateRequest(req *EmailRequest) error {
	if req == nil {
		return fmt.Errorf("%w: empty request", ErrInvalidEmail)
	}
	if len(req.To) == 0 {
		return fmt.Errorf("%w: to is required", ErrInvalidEmail)
	}
	if strings.TrimSpace(req.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidEmail)
	}
	if strings.TrimSpace(req.HTMLContent) == "" {
		return fmt.Errorf("%w: html content is required", ErrInvalidEmail)
	}
	if !req.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %d", ErrInvalidEmail, int(req.Priority))
	}

	for field, addrs := range map[string][]string{"to": req.To, "cc": req.CC, "bcc": req.BCC} {
		for _, addr := range addrs {
			if _, err := mail.ParseAddress(addr); err != nil {
				return fmt.Errorf("%w: %s address %q: %v", ErrInvalidEmail, field, addr, err)
			}
		}
	}
	if req.ReplyTo != "" {
		if _, err := mail.ParseAddress(req.ReplyTo); err != nil {
			return fmt.Errorf("%w: reply-to address %q: %v", ErrInvalidEmail, req.ReplyTo, err)
		}
	}

	return nil
}
