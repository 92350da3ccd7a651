package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// DefaultHTTPEndpoint is the Resend send endpoint
const DefaultHTTPEndpoint = "https://api.resend.com/emails"

// maxResponseBytes bounds how much of a provider response is read
const maxResponseBytes = 64 << 10

// HTTPConfig contains settings for a Resend-compatible JSON API
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// HTTPTransport sends through a Resend-compatible JSON API
type HTTPTransport struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPTransport creates an HTTP API transport
func NewHTTPTransport(cfg HTTPConfig, logger *slog.Logger) *HTTPTransport {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultHTTPEndpoint
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &HTTPTransport{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger.With("component", "transport", "provider", "http"),
	}
}

// Name returns the provider name
func (t *HTTPTransport) Name() string {
	return "http"
}

type httpSendRequest struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	CC      []string          `json:"cc,omitempty"`
	BCC     []string          `json:"bcc,omitempty"`
	ReplyTo string            `json:"reply_to,omitempty"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html,omitempty"`
	Text    string            `json:"text,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type httpSendResponse struct {
	ID string `json:"id"`
}

type httpErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	Name       string `json:"name"`
	Message    string `json:"message"`
}

// Send posts msg to the API.
// The queue id header doubles as the idempotency key so a retried
// email is not delivered twice by the provider.
func (t *HTTPTransport) Send(ctx context.Context, msg *Message) (*Receipt, error) {
	if err := validate(t.Name(), msg); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(httpSendRequest{
		From:    msg.From,
		To:      msg.To,
		CC:      msg.CC,
		BCC:     msg.BCC,
		ReplyTo: msg.ReplyTo,
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
		Headers: msg.Headers,
	})
	if err != nil {
		return nil, &Error{Provider: t.Name(), Class: ClassInvalid, Message: "failed to encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Provider: t.Name(), Class: ClassInvalid, Message: "failed to create request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if id := msg.Headers[HeaderEmailID]; id != "" {
		req.Header.Set("Idempotency-Key", id)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &Error{Provider: t.Name(), Class: classifyNetError(err), Message: "request failed", Detail: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Provider: t.Name(), Class: ClassNetwork, Code: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	if resp.StatusCode >= 300 {
		return nil, t.statusError(resp, body)
	}

	var out httpSendResponse
	if err := json.Unmarshal(body, &out); err != nil || out.ID == "" {
		return nil, &Error{
			Provider: t.Name(),
			Class:    ClassUnknown,
			Code:     resp.StatusCode,
			Message:  "unexpected response",
			Detail:   string(body),
		}
	}

	t.logger.Info("message accepted", "message_id", out.ID, "recipients", len(msg.Recipients()))

	return &Receipt{Provider: t.Name(), MessageID: out.ID}, nil
}

// statusError classifies a non-2xx response
func (t *HTTPTransport) statusError(resp *http.Response, body []byte) *Error {
	te := &Error{
		Provider: t.Name(),
		Code:     resp.StatusCode,
		Message:  http.StatusText(resp.StatusCode),
		Detail:   string(body),
	}

	var apiErr httpErrorResponse
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		te.Message = apiErr.Message
		if apiErr.Name != "" {
			te.Message = apiErr.Name + ": " + apiErr.Message
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		te.Class = ClassAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		te.Class = ClassRateLimited
		if retry := resp.Header.Get("Retry-After"); retry != "" {
			if secs, err := strconv.Atoi(retry); err == nil {
				te.Detail = fmt.Sprintf("retry after %ds: %s", secs, te.Detail)
			}
		}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		te.Class = ClassTemporary
	case resp.StatusCode >= 400:
		te.Class = ClassPermanent
	default:
		te.Class = ClassUnknown
	}
	return te
}
