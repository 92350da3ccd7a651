package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/foxzi/mailgate/internal/config"
	"github.com/foxzi/mailgate/internal/queue"
)

type recordingTransport struct {
	msg *Message
	err error
}

func (r *recordingTransport) Name() string { return "recording" }

func (r *recordingTransport) Send(_ context.Context, msg *Message) (*Receipt, error) {
	r.msg = msg
	if r.err != nil {
		return nil, r.err
	}
	return &Receipt{Provider: "recording", MessageID: "rec-1"}, nil
}

func TestQueueSender(t *testing.T) {
	rec := &recordingTransport{}
	sender := NewQueueSender(rec, "Agency <no-reply@Agency.test>")

	email := &queue.Email{
		ID:          "0b7e",
		To:          []string{"admin@agency.test"},
		CC:          []string{"cc@agency.test"},
		ReplyTo:     "client@example.org",
		Subject:     "New contact request",
		HTMLContent: "<p>Hi</p>",
		TextContent: "Hi",
	}

	res, err := sender.Send(context.Background(), email)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if res.Provider != "recording" || res.MessageID != "rec-1" {
		t.Errorf("result = %+v", res)
	}

	msg := rec.msg
	if msg.From != "Agency <no-reply@Agency.test>" {
		t.Errorf("From = %q", msg.From)
	}
	if msg.MessageID != "<0b7e@agency.test>" {
		t.Errorf("MessageID = %q", msg.MessageID)
	}
	if msg.Headers[HeaderEmailID] != "0b7e" {
		t.Errorf("headers = %v", msg.Headers)
	}
	if msg.HTML != "<p>Hi</p>" || msg.Text != "Hi" || msg.CC[0] != "cc@agency.test" {
		t.Errorf("message = %+v", msg)
	}
}

func TestQueueSenderPassesErrorThrough(t *testing.T) {
	sendErr := &Error{Provider: "recording", Class: ClassPermanent, Code: 550, Message: "rejected", Detail: "550 5.1.1 no such user"}
	sender := NewQueueSender(&recordingTransport{err: sendErr}, "no-reply@agency.test")

	_, err := sender.Send(context.Background(), &queue.Email{ID: "x", To: []string{"a@b.test"}, Subject: "s", TextContent: "t"})
	var te *Error
	if !errors.As(err, &te) || te.Details() != "550 5.1.1 no such user" {
		t.Errorf("error = %v", err)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"transport error", &Error{Class: ClassRateLimited}, "rate_limited"},
		{"wrapped", fmt.Errorf("send: %w", &Error{Class: ClassAuth}), "auth"},
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"plain", errors.New("boom"), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	withCode := &Error{Provider: "smtp", Code: 421, Message: "RCPT failed"}
	if withCode.Error() != "smtp: 421 RCPT failed" {
		t.Errorf("Error() = %q", withCode.Error())
	}
	noCode := &Error{Provider: "ses", Message: "SendEmail failed"}
	if noCode.Error() != "ses: SendEmail failed" {
		t.Errorf("Error() = %q", noCode.Error())
	}
	if (&Error{Class: ClassTimeout}).Temporary() != true {
		t.Error("timeout should be temporary")
	}
	if (&Error{Class: ClassInvalid}).Temporary() {
		t.Error("invalid should not be temporary")
	}
}

func TestErrorPermanent(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  bool
	}{
		{ClassPermanent, true},
		{ClassInvalid, true},
		{ClassAuth, false},
		{ClassTemporary, false},
		{ClassRateLimited, false},
		{ClassTimeout, false},
	}

	for _, tt := range tests {
		if got := (&Error{Class: tt.class}).Permanent(); got != tt.want {
			t.Errorf("Permanent(%s) = %v, want %v", tt.class, got, tt.want)
		}
	}
}

func TestValidateMissingFields(t *testing.T) {
	err := validate("log", &Message{})
	if err == nil || err.Error() != "log: message is missing from, to, subject, body" {
		t.Errorf("validate = %v", err)
	}
}

func TestNewTransport(t *testing.T) {
	logger := testLogger()

	tr, err := New(context.Background(), config.TransportConfig{Provider: "log"}, logger)
	if err != nil || tr.Name() != "log" {
		t.Fatalf("log transport = %v, %v", tr, err)
	}
	receipt, err := tr.Send(context.Background(), testMessage())
	if err != nil || receipt.MessageID == "" {
		t.Errorf("log send = %+v, %v", receipt, err)
	}

	tr, err = New(context.Background(), config.TransportConfig{
		Provider: "http",
		HTTP:     config.HTTPTransportConfig{APIKey: "k"},
	}, logger)
	if err != nil || tr.Name() != "http" {
		t.Errorf("http transport = %v, %v", tr, err)
	}

	tr, err = New(context.Background(), config.TransportConfig{
		Provider: "smtp",
		SMTP:     config.SMTPTransportConfig{Host: "localhost", Port: 25},
	}, logger)
	if err != nil || tr.Name() != "smtp" {
		t.Errorf("smtp transport = %v, %v", tr, err)
	}

	_, err = New(context.Background(), config.TransportConfig{
		Provider: "smtp",
		SMTP: config.SMTPTransportConfig{
			Host: "localhost",
			DKIM: config.DKIMConfig{Enabled: true, Domain: "agency.test", Selector: "mg", KeyFile: "/nonexistent.pem"},
		},
	}, logger)
	if err == nil {
		t.Error("expected error for missing DKIM key")
	}

	if _, err := New(context.Background(), config.TransportConfig{Provider: "pigeon"}, logger); err == nil {
		t.Error("expected error for unknown provider")
	}
}
