package audit

import (
	"fmt"
	"strings"
	"time"
)

// Framework identifies a compliance rule set. Each framework is a fixed,
// enumerated set of per-event checks; there is no policy DSL.
type Framework string

const (
	FrameworkSOX   Framework = "SOX"
	FrameworkHIPAA Framework = "HIPAA"
	FrameworkPCI   Framework = "PCI-DSS"
	FrameworkGDPR  Framework = "GDPR"
)

// ComplianceManager evaluates enabled frameworks against each event before
// persistence and produces per-framework reports over the stored trail.
type ComplianceManager struct {
	frameworks []Framework
}

// NewComplianceManager returns a manager for the given frameworks. An empty
// list disables compliance checking entirely.
func NewComplianceManager(frameworks []Framework) *ComplianceManager {
	return &ComplianceManager{frameworks: frameworks}
}

// CheckEvent returns one flag per violated rule across all enabled
// frameworks, in "FRAMEWORK: description" form.
func (c *ComplianceManager) CheckEvent(event Event) []string {
	if c == nil {
		return nil
	}

	var flags []string
	for _, f := range c.frameworks {
		switch f {
		case FrameworkSOX:
			flags = append(flags, checkSOX(event)...)
		case FrameworkHIPAA:
			flags = append(flags, checkHIPAA(event)...)
		case FrameworkPCI:
			flags = append(flags, checkPCI(event)...)
		case FrameworkGDPR:
			flags = append(flags, checkGDPR(event)...)
		}
	}
	return flags
}

func checkSOX(event Event) []string {
	var flags []string
	if event.UserID == "" {
		flags = append(flags, "SOX: event lacks user identity")
	}
	if (event.Type == EventDelete || event.Type == EventUpdate) && !event.MFAVerified {
		flags = append(flags, fmt.Sprintf("SOX: %s performed without MFA verification", event.Type))
	}
	return flags
}

func checkHIPAA(event Event) []string {
	if event.Type != EventRead {
		return nil
	}
	if _, ok := event.Metadata["business_justification"]; !ok {
		return []string{"HIPAA: READ lacks business justification metadata"}
	}
	return nil
}

func checkPCI(event Event) []string {
	if (event.Type == EventAccess || event.Type == EventRead) && !event.MFAVerified {
		return []string{fmt.Sprintf("PCI-DSS: %s performed without MFA verification", event.Type)}
	}
	return nil
}

func checkGDPR(event Event) []string {
	if event.Type != EventRead {
		return nil
	}
	if _, ok := event.Metadata["lawful_basis"]; !ok {
		return []string{"GDPR: READ lacks lawful basis metadata"}
	}
	return nil
}

// ComplianceReport summarizes one framework over a reporting period.
type ComplianceReport struct {
	Framework       Framework `json:"framework"`
	PeriodStart     time.Time `json:"period_start"`
	PeriodEnd       time.Time `json:"period_end"`
	Violations      []string  `json:"violations"`
	ViolationEvents []string  `json:"violation_events"` // event IDs
	CompliantCount  int       `json:"compliant_count"`
	Recommendations []string  `json:"recommendations"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// BuildReport evaluates stored events for one framework. Recommendations
// are derived by keyword-matching violation text.
func (c *ComplianceManager) BuildReport(framework Framework, events []Event) *ComplianceReport {
	report := &ComplianceReport{
		Framework:   framework,
		GeneratedAt: time.Now().UTC(),
	}

	scoped := &ComplianceManager{frameworks: []Framework{framework}}
	for _, e := range events {
		violations := scoped.CheckEvent(e)
		if len(violations) == 0 {
			report.CompliantCount++
			continue
		}
		report.Violations = append(report.Violations, violations...)
		report.ViolationEvents = append(report.ViolationEvents, e.ID)
	}

	report.Recommendations = deriveRecommendations(report.Violations)
	return report
}

// deriveRecommendations maps violation keywords to remediation advice.
func deriveRecommendations(violations []string) []string {
	seen := make(map[string]bool)
	var recs []string
	add := func(rec string) {
		if !seen[rec] {
			seen[rec] = true
			recs = append(recs, rec)
		}
	}

	for _, v := range violations {
		lower := strings.ToLower(v)
		switch {
		case strings.Contains(lower, "mfa"):
			add("implement mandatory MFA for privileged credential operations")
		case strings.Contains(lower, "user identity"):
			add("require authenticated user context on all vault operations")
		case strings.Contains(lower, "business justification"):
			add("collect business justification metadata before credential reads")
		case strings.Contains(lower, "lawful basis"):
			add("record a lawful basis for personal-data access in request metadata")
		}
	}

	return recs
}
