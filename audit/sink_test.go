package audit

import (
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func sinkEvent(id, user string, eventType EventType, ts time.Time) Event {
	return Event{
		ID:        id,
		Type:      eventType,
		UserID:    user,
		Action:    "test",
		Result:    ResultSuccess,
		Timestamp: ts,
	}
}

// sinkHarness runs one battery of sink-contract checks against any Sink.
func runSinkContract(t *testing.T, sink Sink) {
	t.Helper()

	base := time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC)
	events := []Event{
		sinkEvent("e-oldest", "alice", EventRead, base),
		sinkEvent("e-middle", "bob", EventRotate, base.Add(time.Hour)),
		sinkEvent("e-newest", "alice", EventDelete, base.Add(2*time.Hour)),
	}
	if err := sink.Insert(events); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Unfiltered query returns everything, newest first.
	result, err := sink.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if result.TotalCount != 3 || len(result.Events) != 3 {
		t.Fatalf("Got %d/%d events, expected 3", len(result.Events), result.TotalCount)
	}
	for i, want := range []string{"e-newest", "e-middle", "e-oldest"} {
		if result.Events[i].ID != want {
			t.Fatalf("Position %d holds %s, expected %s", i, result.Events[i].ID, want)
		}
	}

	// Per-user filter.
	result, err = sink.Query(QueryOptions{UserID: "alice"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(result.Events) != 2 {
		t.Fatalf("Alice filter returned %d events, expected 2", len(result.Events))
	}

	// Type filter.
	result, err = sink.Query(QueryOptions{Type: EventRotate})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(result.Events) != 1 || result.Events[0].ID != "e-middle" {
		t.Fatalf("Type filter returned %+v", result.Events)
	}

	// Time window.
	since := base.Add(30 * time.Minute)
	result, err = sink.Query(QueryOptions{Since: &since})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(result.Events) != 2 {
		t.Fatalf("Since filter returned %d events, expected 2", len(result.Events))
	}

	// Pagination.
	result, err = sink.Query(QueryOptions{Limit: 2})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(result.Events) != 2 || !result.HasMore {
		t.Fatalf("Limit 2 returned %d events, HasMore %v", len(result.Events), result.HasMore)
	}
	result, err = sink.Query(QueryOptions{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(result.Events) != 1 || result.Events[0].ID != "e-oldest" {
		t.Fatalf("Offset page returned %+v", result.Events)
	}
}

func TestFileSinkContract(t *testing.T) {
	sink, err := NewFileSink(&Config{
		Enabled: true,
		Type:    FileSinkType,
		Options: map[string]interface{}{"file_path": filepath.Join(t.TempDir(), "audit.log")},
	})
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}
	defer sink.Close()

	runSinkContract(t, sink)
}

func TestFileSinkSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	config := &Config{
		Enabled: true,
		Type:    FileSinkType,
		Options: map[string]interface{}{"file_path": path},
	}

	sink, err := NewFileSink(config)
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}
	if err := sink.Insert([]Event{sinkEvent("durable", "alice", EventRead, time.Now().UTC())}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewFileSink(config)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()

	result, err := reopened.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(result.Events) != 1 || result.Events[0].ID != "durable" {
		t.Fatalf("Event lost across reopen: %+v", result.Events)
	}
}

func TestFileSinkRequiresPath(t *testing.T) {
	if _, err := NewFileSink(&Config{Enabled: true, Type: FileSinkType}); err == nil {
		t.Fatal("File sink without a path should fail")
	}
}

func TestSQLiteSinkContract(t *testing.T) {
	sink, err := NewSQLiteSink(&Config{
		Enabled: true,
		Type:    SQLiteSinkType,
		Options: map[string]interface{}{"db_path": filepath.Join(t.TempDir(), "audit.db")},
	})
	if err != nil {
		t.Fatalf("NewSQLiteSink failed: %v", err)
	}
	defer sink.Close()

	runSinkContract(t, sink)
}

func TestSQLiteSinkRichFields(t *testing.T) {
	sink, err := NewSQLiteSink(&Config{
		Enabled: true,
		Type:    SQLiteSinkType,
		Options: map[string]interface{}{"db_path": filepath.Join(t.TempDir(), "audit.db")},
	})
	if err != nil {
		t.Fatalf("NewSQLiteSink failed: %v", err)
	}
	defer sink.Close()

	event := Event{
		ID:                "rich",
		Type:              EventDelete,
		UserID:            "admin",
		CredentialID:      "db-password",
		Action:            "delete credential",
		Result:            ResultFailure,
		Timestamp:         time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC),
		IP:                "203.0.113.7",
		UserAgent:         "cli/1.0",
		SessionID:         "sess-1",
		RiskScore:         0.9,
		AnomalyDetected:   true,
		MFAVerified:       true,
		DurationMs:        42,
		ComplianceFlags:   []string{"SOX: x", "PCI-DSS: y"},
		Country:           "US",
		City:              "Austin",
		DeviceFingerprint: "fp-1",
		Metadata:          map[string]interface{}{"reason": "cleanup"},
	}
	if err := sink.Insert([]Event{event}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	result, err := sink.Query(QueryOptions{AnomaliesOnly: true})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(result.Events) != 1 {
		t.Fatalf("AnomaliesOnly returned %d events", len(result.Events))
	}
	got := result.Events[0]
	if got.RiskScore != 0.9 || !got.AnomalyDetected || !got.MFAVerified {
		t.Fatalf("Scoring fields lost: %+v", got)
	}
	if len(got.ComplianceFlags) != 2 {
		t.Fatalf("Compliance flags lost: %v", got.ComplianceFlags)
	}
	if got.Country != "US" || got.DeviceFingerprint != "fp-1" {
		t.Fatal("Enrichment fields lost")
	}
	if got.Metadata["reason"] != "cleanup" {
		t.Fatalf("Metadata lost: %v", got.Metadata)
	}
	if !got.Timestamp.Equal(event.Timestamp) {
		t.Fatalf("Timestamp %v, expected %v", got.Timestamp, event.Timestamp)
	}
}

func TestNewSinkSelection(t *testing.T) {
	sink, err := NewSink(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("Disabled config failed: %v", err)
	}
	if _, ok := sink.(*NoOpSink); !ok {
		t.Fatalf("Disabled audit got %T, expected NoOpSink", sink)
	}

	sink, err = NewSink(nil)
	if err != nil {
		t.Fatalf("Nil config failed: %v", err)
	}
	if _, ok := sink.(*NoOpSink); !ok {
		t.Fatalf("Nil config got %T, expected NoOpSink", sink)
	}

	if _, err := NewSink(&Config{Enabled: true, Type: SinkType("kafka")}); err == nil {
		t.Fatal("Unknown sink type should be rejected")
	}
}

// Event IDs are sqlite primary keys, so two events generated in the same
// clock tick must still get distinct IDs.
func TestGenerateEventIDUnique(t *testing.T) {
	const goroutines = 8
	const perGoroutine = 1000

	ids := make(chan string, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				ids <- generateEventID()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, goroutines*perGoroutine)
	for id := range ids {
		if seen[id] {
			t.Fatalf("Duplicate event ID generated: %s", id)
		}
		seen[id] = true
	}
}

// A batch of events stamped in the same instant must insert cleanly; a
// primary key collision would fail the whole batch and drop it.
func TestSQLiteSinkSameInstantBatch(t *testing.T) {
	sink, err := NewSQLiteSink(&Config{
		Enabled: true,
		Type:    SQLiteSinkType,
		Options: map[string]interface{}{"db_path": filepath.Join(t.TempDir(), "audit.db")},
	})
	if err != nil {
		t.Fatalf("NewSQLiteSink failed: %v", err)
	}
	defer sink.Close()

	now := time.Now().UTC()
	batch := make([]Event, 0, 32)
	for i := 0; i < 32; i++ {
		batch = append(batch, sinkEvent(generateEventID(), "writer", EventRead, now))
	}
	if err := sink.Insert(batch); err != nil {
		t.Fatalf("Same-instant batch insert failed: %v", err)
	}

	result, err := sink.Query(QueryOptions{UserID: "writer"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if result.TotalCount != 32 {
		t.Fatalf("Expected 32 events persisted, got %d", result.TotalCount)
	}
}
