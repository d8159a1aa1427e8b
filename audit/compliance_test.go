package audit

import (
	"strings"
	"testing"
	"time"
)

func TestCheckEventPerFramework(t *testing.T) {
	cases := []struct {
		name      string
		framework Framework
		event     Event
		wantFlags int
		contains  string
	}{
		{
			name:      "sox missing identity",
			framework: FrameworkSOX,
			event:     Event{Type: EventRead, Result: ResultSuccess},
			wantFlags: 1,
			contains:  "user identity",
		},
		{
			name:      "sox delete without mfa",
			framework: FrameworkSOX,
			event:     Event{Type: EventDelete, UserID: "admin", Result: ResultSuccess},
			wantFlags: 1,
			contains:  "MFA",
		},
		{
			name:      "sox clean delete",
			framework: FrameworkSOX,
			event:     Event{Type: EventDelete, UserID: "admin", Result: ResultSuccess, MFAVerified: true},
			wantFlags: 0,
		},
		{
			name:      "hipaa read without justification",
			framework: FrameworkHIPAA,
			event:     Event{Type: EventRead, UserID: "nurse", MFAVerified: true},
			wantFlags: 1,
			contains:  "business justification",
		},
		{
			name:      "hipaa justified read",
			framework: FrameworkHIPAA,
			event: Event{Type: EventRead, UserID: "nurse", MFAVerified: true,
				Metadata: map[string]interface{}{"business_justification": "treatment"}},
			wantFlags: 0,
		},
		{
			name:      "pci access without mfa",
			framework: FrameworkPCI,
			event:     Event{Type: EventAccess, UserID: "cashier"},
			wantFlags: 1,
			contains:  "PCI-DSS",
		},
		{
			name:      "gdpr read without lawful basis",
			framework: FrameworkGDPR,
			event:     Event{Type: EventRead, UserID: "analyst", MFAVerified: true},
			wantFlags: 1,
			contains:  "lawful basis",
		},
		{
			name:      "gdpr non-read ignored",
			framework: FrameworkGDPR,
			event:     Event{Type: EventRotate, UserID: "analyst", MFAVerified: true},
			wantFlags: 0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			manager := NewComplianceManager([]Framework{tc.framework})
			flags := manager.CheckEvent(tc.event)
			if len(flags) != tc.wantFlags {
				t.Fatalf("Got flags %v, expected %d", flags, tc.wantFlags)
			}
			if tc.contains != "" && !strings.Contains(flags[0], tc.contains) {
				t.Fatalf("Flag %q does not mention %q", flags[0], tc.contains)
			}
		})
	}
}

func TestCheckEventMultipleFrameworks(t *testing.T) {
	manager := NewComplianceManager([]Framework{FrameworkSOX, FrameworkPCI})

	// Fails SOX (no identity) and PCI (no MFA on read).
	flags := manager.CheckEvent(Event{Type: EventRead})
	if len(flags) != 2 {
		t.Fatalf("Got %d flags, expected one per framework: %v", len(flags), flags)
	}
}

func TestCheckEventNoFrameworks(t *testing.T) {
	manager := NewComplianceManager(nil)
	if flags := manager.CheckEvent(Event{Type: EventDelete}); len(flags) != 0 {
		t.Fatalf("Disabled compliance produced flags: %v", flags)
	}
}

func TestBuildReport(t *testing.T) {
	manager := NewComplianceManager([]Framework{FrameworkSOX})

	events := []Event{
		{ID: "e1", Type: EventDelete, UserID: "admin", MFAVerified: true, Timestamp: time.Now()},
		{ID: "e2", Type: EventDelete, UserID: "admin", Timestamp: time.Now()},
		{ID: "e3", Type: EventUpdate, UserID: "admin", Timestamp: time.Now()},
		{ID: "e4", Type: EventRead, UserID: "admin", Timestamp: time.Now()},
	}

	report := manager.BuildReport(FrameworkSOX, events)
	if report.Framework != FrameworkSOX {
		t.Fatalf("Framework %s, expected SOX", report.Framework)
	}
	if report.CompliantCount != 2 {
		t.Fatalf("CompliantCount %d, expected 2", report.CompliantCount)
	}
	if len(report.ViolationEvents) != 2 {
		t.Fatalf("ViolationEvents %v, expected e2 and e3", report.ViolationEvents)
	}

	// Two MFA violations collapse into one recommendation.
	if len(report.Recommendations) != 1 {
		t.Fatalf("Recommendations %v, expected one deduplicated entry", report.Recommendations)
	}
	if !strings.Contains(report.Recommendations[0], "MFA") {
		t.Fatalf("Recommendation %q does not address MFA", report.Recommendations[0])
	}
	if report.GeneratedAt.IsZero() {
		t.Fatal("GeneratedAt not set")
	}
}
