package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/foxzi/mailgate/internal/abuse"
	"github.com/foxzi/mailgate/internal/ipfilter"
	"github.com/foxzi/mailgate/internal/queue"
	"github.com/foxzi/mailgate/internal/template"
)

// Field length limits
const (
	maxNameLength    = 200
	maxEmailLength   = 254
	maxMessageLength = 5000
	maxFieldLength   = 500
	maxExtraFields   = 20
)

// blockedMessage is the only thing a blocked submitter is told
const blockedMessage = "Your submission could not be accepted right now. Please try again later."

// formDef describes one public form
type formDef struct {
	title    string
	required []string
}

var forms = map[string]formDef{
	"contact": {
		title:    "Contact request",
		required: []string{"name", "email", "message"},
	},
	"project-request": {
		title:    "Project request",
		required: []string{"name", "email", "project_type"},
	},
	"project-inquiry": {
		title:    "Project inquiry",
		required: []string{"name", "email", "message"},
	},
}

// FormResponse is the response for an accepted form
type FormResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// handleForm returns the handler for POST /api/forms/{name}
func (s *Server) handleForm(name string) http.HandlerFunc {
	def := forms[name]

	return func(w http.ResponseWriter, r *http.Request) {
		values, err := readFormValues(r)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				sendError(w, http.StatusRequestEntityTooLarge, "Request body too large")
				return
			}
			sendError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		sub := s.buildSubmission(r, name, values)
		if err := validateSubmission(def, sub); err != nil {
			sendError(w, http.StatusBadRequest, err.Error())
			return
		}

		verdict := s.evaluator.Evaluate(r.Context(), sub)
		if !verdict.Allowed {
			sendError(w, http.StatusTooManyRequests, blockedMessage)
			return
		}

		if accepted, err := s.enqueueNotifications(r, def, sub, verdict); err != nil {
			if !accepted {
				// Nothing reached the queue, so the submission gives its window slot back
				s.evaluator.Refund(r.Context(), verdict)
			}
			if errors.Is(err, queue.ErrInvalidEmail) {
				sendError(w, http.StatusBadRequest, "Invalid email address")
				return
			}
			s.logger.Error("failed to queue form notification", "form", name, "error", err)
			sendError(w, http.StatusInternalServerError, "Failed to process submission")
			return
		}

		sendJSON(w, http.StatusOK, FormResponse{
			Success: true,
			Message: "Thank you, we will get back to you shortly.",
		})
	}
}

// readFormValues decodes a JSON object or a url-encoded/multipart form
func readFormValues(r *http.Request) (map[string]string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	values := make(map[string]string)
	switch mediaType {
	case "application/json":
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			return nil, err
		}
		for k, v := range raw {
			switch val := v.(type) {
			case nil:
			case string:
				values[k] = val
			case float64, bool:
				values[k] = fmt.Sprint(val)
			default:
				return nil, fmt.Errorf("field %s must be a scalar", k)
			}
		}
	case "multipart/form-data":
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			return nil, err
		}
		for k, v := range r.PostForm {
			values[k] = strings.Join(v, ", ")
		}
	default:
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		for k, v := range r.PostForm {
			values[k] = strings.Join(v, ", ")
		}
	}
	return values, nil
}

// buildSubmission maps request values and metadata to a filter submission
func (s *Server) buildSubmission(r *http.Request, form string, values map[string]string) *abuse.Submission {
	sub := &abuse.Submission{
		Form:            form,
		Name:            strings.TrimSpace(values["name"]),
		Email:           strings.TrimSpace(values["email"]),
		Message:         strings.TrimSpace(values["message"]),
		Honeypot:        values[s.filterCfg.HoneypotField],
		ClientTimestamp: strings.TrimSpace(values[s.filterCfg.TimestampField]),
		UserAgent:       r.UserAgent(),
		ReceivedAt:      s.now(),
		Fields:          make(map[string]string),
	}

	peer := ipfilter.ClientIP(r, nil)
	if ip := ipfilter.ClientIP(r, s.trusted); ip != nil {
		sub.RemoteIP = ip.String()
	}
	if s.config.IdentityHeader != "" && peer != nil && s.trusted.Contains(peer) {
		sub.Identity = strings.TrimSpace(r.Header.Get(s.config.IdentityHeader))
	}

	for k, v := range values {
		switch k {
		case "name", "email", "message", s.filterCfg.HoneypotField, s.filterCfg.TimestampField:
			continue
		}
		if v = strings.TrimSpace(v); v != "" {
			sub.Fields[k] = v
		}
	}

	return sub
}

// validateSubmission checks required fields and sizes
func validateSubmission(def formDef, sub *abuse.Submission) error {
	get := func(field string) string {
		switch field {
		case "name":
			return sub.Name
		case "email":
			return sub.Email
		case "message":
			return sub.Message
		}
		return sub.Fields[field]
	}

	for _, field := range def.required {
		if get(field) == "" {
			return fmt.Errorf("%s is required", field)
		}
	}

	if utf8.RuneCountInString(sub.Name) > maxNameLength {
		return fmt.Errorf("name must be at most %d characters", maxNameLength)
	}
	if len(sub.Email) > maxEmailLength {
		return errors.New("email is too long")
	}
	if addr, err := mail.ParseAddress(sub.Email); err != nil || addr.Address != sub.Email {
		return errors.New("email is invalid")
	}
	if utf8.RuneCountInString(sub.Message) > maxMessageLength {
		return fmt.Errorf("message must be at most %d characters", maxMessageLength)
	}
	if len(sub.Fields) > maxExtraFields {
		return errors.New("too many fields")
	}
	for k, v := range sub.Fields {
		if utf8.RuneCountInString(v) > maxFieldLength {
			return fmt.Errorf("%s must be at most %d characters", k, maxFieldLength)
		}
	}
	return nil
}

// enqueueNotifications queues the agency notification and, when enabled,
// the confirmation to the submitter. It reports whether the agency
// notification was queued.
func (s *Server) enqueueNotifications(r *http.Request, def formDef, sub *abuse.Submission, verdict *abuse.Verdict) (bool, error) {
	data := (&template.FormData{
		SiteName:    s.notify.SiteName,
		Form:        sub.Form,
		FormTitle:   def.title,
		Name:        sub.Name,
		Email:       sub.Email,
		Message:     sub.Message,
		Fields:      sub.Fields,
		IP:          sub.RemoteIP,
		SubmittedAt: sub.ReceivedAt,
	}).Bindings()

	metadata := map[string]any{
		"form":  sub.Form,
		"ip":    sub.RemoteIP,
		"score": verdict.Score,
	}

	notification, err := s.templates.Render(template.Notification, data)
	if err != nil {
		return false, fmt.Errorf("failed to render notification: %w", err)
	}
	email, err := s.producer.QueueEmail(r.Context(), &queue.EmailRequest{
		To:          []string{s.notify.AdminEmail},
		ReplyTo:     sub.Email,
		Subject:     notification.Subject,
		HTMLContent: notification.HTML,
		TextContent: notification.Text,
		Priority:    queue.PriorityHigh,
		Metadata:    withKind(metadata, template.Notification),
	})
	if err != nil {
		return false, err
	}
	s.logger.Info("form accepted", "form", sub.Form, "email_id", email.ID, "score", verdict.Score)

	if s.notify.Confirmation != nil && !*s.notify.Confirmation {
		return true, nil
	}

	confirmation, err := s.templates.Render(template.Confirmation, data)
	if err != nil {
		return true, fmt.Errorf("failed to render confirmation: %w", err)
	}
	if _, err := s.producer.QueueEmail(r.Context(), &queue.EmailRequest{
		To:          []string{sub.Email},
		Subject:     confirmation.Subject,
		HTMLContent: confirmation.HTML,
		TextContent: confirmation.Text,
		Priority:    queue.PriorityNormal,
		Metadata:    withKind(metadata, template.Confirmation),
	}); err != nil {
		return true, err
	}
	return true, nil
}

func withKind(metadata map[string]any, kind string) map[string]any {
	out := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out["kind"] = kind
	return out
}
