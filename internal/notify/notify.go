// Package notify emails review participants when a workflow changes state.
package notify

import (
	"bytes"
	"fmt"
	"net/smtp"
	"strings"
	"text/template"
	"time"
)

// Config holds SMTP configuration
type Config struct {
	Host       string
	Port       string
	Username   string
	Password   string
	From       string
	FromName   string
	Recipients []string
}

// Service sends workflow notifications over SMTP.
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

// NewService creates a new notification service
func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if SMTP is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != "" && len(s.config.Recipients) > 0
}

// SendEmail sends a plain text email
func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("notifications not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}

// Event describes one workflow state change worth announcing.
type Event struct {
	OrgID         string
	DocumentID    string
	DocumentTitle string
	WorkflowID    string
	State         string
	Actor         string
	Decision      string
	Comment       string
	Tag           string
	When          time.Time
}

// DecisionRecorded announces a recorded decision to the review list.
func (s *Service) DecisionRecorded(ev Event) error {
	subject := fmt.Sprintf("[%s] %s: %s at %s", ev.OrgID, ev.DocumentTitle, ev.Decision, ev.State)
	body, err := renderTemplate(decisionTemplate, ev)
	if err != nil {
		return fmt.Errorf("render decision notification: %w", err)
	}
	return s.SendEmail(s.config.Recipients, subject, body)
}

// ReleasePublished announces a published release to the review list.
func (s *Service) ReleasePublished(ev Event) error {
	subject := fmt.Sprintf("[%s] Published: %s (%s)", ev.OrgID, ev.DocumentTitle, ev.Tag)
	body, err := renderTemplate(publishedTemplate, ev)
	if err != nil {
		return fmt.Errorf("render publication notification: %w", err)
	}
	return s.SendEmail(s.config.Recipients, subject, body)
}

func renderTemplate(tmpl string, data any) (string, error) {
	t := template.Must(template.New("notify").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const decisionTemplate = `A decision was recorded on document {{.DocumentTitle}} ({{.DocumentID}}).

Workflow:  {{.WorkflowID}}
Decision:  {{.Decision}} by {{.Actor}}
State:     {{.State}}
{{- if .Comment}}
Comment:   {{.Comment}}
{{- end}}
Recorded:  {{.When.Format "2006-01-02 15:04 UTC"}}

This is an automated notification from the eAIP change review system.
`

const publishedTemplate = `Document {{.DocumentTitle}} ({{.DocumentID}}) has been published.

Release tag: {{.Tag}}
Published by: {{.Actor}}
Workflow:     {{.WorkflowID}}
Published:    {{.When.Format "2006-01-02 15:04 UTC"}}

The released snapshot is immutable and available under its release tag.
`
