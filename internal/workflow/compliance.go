package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"

	"eaip/engine/internal/document"
)

// aipSectionTypes are the top-level parts an AIP may carry per ICAO
// Annex 15 (General, En-Route, Aerodromes).
var aipSectionTypes = map[string]bool{
	"GEN": true,
	"ENR": true,
	"AD":  true,
}

// sensitivityMarkers flag content that must never appear in a public AIP.
var sensitivityMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)classified`),
	regexp.MustCompile(`(?i)restricted`),
	regexp.MustCompile(`(?i)confidential`),
	regexp.MustCompile(`(?i)security.?sensitive`),
}

// ValidateCompliance checks a snapshot against the structural and data
// quality rules and attaches the result to the workflow. It never gates a
// state transition by itself; publication gating is the caller's choice.
func (e *Engine) ValidateCompliance(w *Workflow, doc document.Snapshot) Compliance {
	c := Compliance{
		ICAOCompliant:        true,
		EurocontrolCompliant: true,
		DataQualityVerified:  true,
		SecurityCleared:      true,
		ValidatedBy:          "system",
		ValidatedAt:          e.now(),
	}

	for _, sec := range doc.Sections {
		if sec.ID == "" || sec.Title == "" {
			c.ICAOCompliant = false
			c.Issues = append(c.Issues, fmt.Sprintf("section %q missing stable identifier or title", sec.Type))
		}
		if !aipSectionTypes[sec.Type] {
			c.ICAOCompliant = false
			c.Issues = append(c.Issues, fmt.Sprintf("section type %q is not an ICAO AIP part (GEN/ENR/AD)", sec.Type))
		}
		for _, sub := range sec.Subsections {
			if sub.Code == "" {
				c.ICAOCompliant = false
				c.Issues = append(c.Issues, fmt.Sprintf("subsection %q in section %s has no code", sub.Title, sec.Type))
			}
		}
	}

	if doc.AiracCycle == "" {
		c.EurocontrolCompliant = false
		c.Issues = append(c.Issues, "AIRAC cycle identifier is missing")
	}
	if doc.EffectiveDate.IsZero() {
		c.EurocontrolCompliant = false
		c.Issues = append(c.Issues, "effective date is missing")
	}
	if doc.Country == "" {
		c.EurocontrolCompliant = false
		c.Issues = append(c.Issues, "publishing state (country) is missing")
	}

	if doc.Title == "" || doc.Status == "" {
		c.DataQualityVerified = false
		c.Issues = append(c.Issues, "mandatory metadata fields are incomplete")
	}
	if len(doc.Sections) == 0 {
		c.DataQualityVerified = false
		c.Issues = append(c.Issues, "document has no sections")
	}
	for _, sec := range doc.Sections {
		if len(sec.Subsections) == 0 {
			c.DataQualityVerified = false
			c.Issues = append(c.Issues, fmt.Sprintf("section %s has no subsections", sec.Type))
		}
	}

	if marker := findSensitivityMarker(doc); marker != "" {
		c.SecurityCleared = false
		c.Issues = append(c.Issues, fmt.Sprintf("document text matches sensitivity marker %q", marker))
	}

	w.Compliance = c
	return c
}

func findSensitivityMarker(doc document.Snapshot) string {
	payload, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	for _, pattern := range sensitivityMarkers {
		if pattern.Match(payload) {
			return pattern.String()
		}
	}
	return ""
}
