// Package transport delivers rendered emails through an outbound provider.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// Message is a fully rendered outbound email
type Message struct {
	From      string
	To        []string
	CC        []string
	BCC       []string
	ReplyTo   string
	Subject   string
	HTML      string
	Text      string
	MessageID string            // Set by the caller to keep the id stable across retries
	Headers   map[string]string // Extra headers, e.g. X-Mailgate-ID
}

// Recipients returns every envelope recipient
func (m *Message) Recipients() []string {
	all := make([]string, 0, len(m.To)+len(m.CC)+len(m.BCC))
	all = append(all, m.To...)
	all = append(all, m.CC...)
	all = append(all, m.BCC...)
	return all
}

// Receipt is what a provider returns for an accepted message
type Receipt struct {
	Provider  string
	MessageID string
}

// Transport sends a single message
type Transport interface {
	// Name identifies the provider in receipts, logs and metrics
	Name() string
	Send(ctx context.Context, msg *Message) (*Receipt, error)
}

// ErrorClass groups send failures for retry decisions and metrics.
// Permanent and invalid failures are not retried.
type ErrorClass string

const (
	ClassTemporary   ErrorClass = "temporary"
	ClassPermanent   ErrorClass = "permanent"
	ClassAuth        ErrorClass = "auth"
	ClassRateLimited ErrorClass = "rate_limited"
	ClassTimeout     ErrorClass = "timeout"
	ClassNetwork     ErrorClass = "network"
	ClassInvalid     ErrorClass = "invalid"
	ClassUnknown     ErrorClass = "unknown"
)

// Error is a provider failure with diagnostics
type Error struct {
	Provider string
	Class    ErrorClass
	Code     int    // SMTP reply or HTTP status, 0 if none
	Message  string // Short summary stored as the email error
	Detail   string // Provider response stored as error details
	Err      error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %d %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Details returns the raw provider response
func (e *Error) Details() string {
	return e.Detail
}

// Temporary reports whether a later attempt may succeed
func (e *Error) Temporary() bool {
	switch e.Class {
	case ClassPermanent, ClassAuth, ClassInvalid:
		return false
	}
	return true
}

// Permanent reports whether no later attempt can succeed.
// Auth failures are retried since credentials can be fixed in between.
func (e *Error) Permanent() bool {
	return e.Class == ClassPermanent || e.Class == ClassInvalid
}

// ClassifyError labels a send error for metrics
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	var te *Error
	if errors.As(err, &te) {
		return string(te.Class)
	}
	return string(classifyNetError(err))
}

// classifyNetError maps context and network failures to a class
func classifyNetError(err error) ErrorClass {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}
	return ClassUnknown
}

// validate checks the fields every provider needs
func validate(provider string, msg *Message) error {
	var missing []string
	if msg.From == "" {
		missing = append(missing, "from")
	}
	if len(msg.To) == 0 {
		missing = append(missing, "to")
	}
	if msg.Subject == "" {
		missing = append(missing, "subject")
	}
	if msg.HTML == "" && msg.Text == "" {
		missing = append(missing, "body")
	}
	if len(missing) == 0 {
		return nil
	}
	return &Error{
		Provider: provider,
		Class:    ClassInvalid,
		Message:  "message is missing " + strings.Join(missing, ", "),
	}
}
