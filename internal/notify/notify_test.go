package notify

import (
	"strings"
	"testing"
	"time"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port:       "587",
				From:       "noreply@eaip.example",
				Recipients: []string{"review@eaip.example"},
			},
			expected: false,
		},
		{
			name: "missing recipients",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "noreply@eaip.example",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host:       "smtp.example.com",
				Port:       "587",
				From:       "noreply@eaip.example",
				Recipients: []string{"review@eaip.example"},
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestSendEmailUnconfigured(t *testing.T) {
	svc := NewService(Config{})
	if err := svc.SendEmail([]string{"a@example.com"}, "subject", "body"); err == nil {
		t.Fatal("expected error when unconfigured")
	}
}

func TestDecisionTemplateRendering(t *testing.T) {
	ev := Event{
		OrgID:         "org-1",
		DocumentID:    "doc-1",
		DocumentTitle: "eAIP Sweden",
		WorkflowID:    "wf-1",
		State:         "operational_review",
		Actor:         "tess",
		Decision:      "approve",
		Comment:       "frequencies verified",
		When:          time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC),
	}

	body, err := renderTemplate(decisionTemplate, ev)
	if err != nil {
		t.Fatalf("renderTemplate() error = %v", err)
	}
	for _, want := range []string{"eAIP Sweden", "approve by tess", "operational_review", "frequencies verified", "2024-02-01 09:00"} {
		if !strings.Contains(body, want) {
			t.Errorf("decision body missing %q:\n%s", want, body)
		}
	}

	// Comment line is omitted when empty.
	ev.Comment = ""
	body, err = renderTemplate(decisionTemplate, ev)
	if err != nil {
		t.Fatalf("renderTemplate() error = %v", err)
	}
	if strings.Contains(body, "Comment:") {
		t.Errorf("empty comment should be omitted:\n%s", body)
	}
}

func TestPublishedTemplateRendering(t *testing.T) {
	ev := Event{
		OrgID:         "org-1",
		DocumentID:    "doc-1",
		DocumentTitle: "eAIP Sweden",
		WorkflowID:    "wf-1",
		Actor:         "avery",
		Tag:           "airac-2024-03",
		When:          time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC),
	}

	body, err := renderTemplate(publishedTemplate, ev)
	if err != nil {
		t.Fatalf("renderTemplate() error = %v", err)
	}
	for _, want := range []string{"airac-2024-03", "avery", "immutable"} {
		if !strings.Contains(body, want) {
			t.Errorf("publication body missing %q:\n%s", want, body)
		}
	}
}
