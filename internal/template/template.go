// Package template renders the form notification emails with Liquid.
package template

import (
	"sort"
	"strings"
	"time"
)

// Built-in template names
const (
	// Notification goes to the agency inbox
	Notification = "notification"
	// Confirmation goes back to the person who submitted the form
	Confirmation = "confirmation"
)

// Parts of a template, each stored as <name>.<part>.liquid
const (
	PartSubject = "subject"
	PartHTML    = "html"
	PartText    = "text"
)

// Template is the source of one email
type Template struct {
	Name    string
	Subject string
	HTML    string
	Text    string
}

// RenderResult contains rendered template output
type RenderResult struct {
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

// Field is an extra form field shown in the notification
type Field struct {
	Label string
	Value string
}

// FormData is what the form templates can reference
type FormData struct {
	SiteName    string
	Form        string
	FormTitle   string
	Name        string
	Email       string
	Message     string
	Fields      map[string]string
	IP          string
	SubmittedAt time.Time
}

// Bindings converts the data to Liquid variables.
// Fields are sorted by key and labelled from their snake_case names.
func (d *FormData) Bindings() map[string]any {
	keys := make([]string, 0, len(d.Fields))
	for k, v := range d.Fields {
		if strings.TrimSpace(v) != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	fields := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, map[string]any{"key": k, "label": fieldLabel(k), "value": d.Fields[k]})
	}

	return map[string]any{
		"site_name":    d.SiteName,
		"form":         d.Form,
		"form_title":   d.FormTitle,
		"name":         d.Name,
		"email":        d.Email,
		"message":      d.Message,
		"fields":       fields,
		"ip":           d.IP,
		"submitted_at": d.SubmittedAt.UTC().Format("2006-01-02 15:04 MST"),
	}
}

// fieldLabel turns project_type into Project type
func fieldLabel(key string) string {
	label := strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ").Replace(key))
	if label == "" {
		return key
	}
	return strings.ToUpper(label[:1]) + label[1:]
}
