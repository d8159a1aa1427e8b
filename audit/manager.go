package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/lancejames221b/hivevault/internal/crypto"
	"github.com/lancejames221b/hivevault/internal/misc"
)

// Manager is the audit front door. Every sensitive vault operation calls
// LogEvent, which enriches the event (GeoIP, device fingerprint), scores it
// (base risk merged with anomaly detection), evaluates compliance rules,
// and persists it through the configured sink.
//
// SCORING:
// The base risk score is a weighted sum — high-risk event type +0.4
// (DELETE/EMERGENCY/EXPORT), medium-risk type +0.2, FAILURE or DENIED
// result +0.3, missing MFA on a high-risk type +0.2, off-hours access
// (before 06:00 or after 22:00) +0.1. The anomaly detector then scores the
// event against the user's trailing 30-day history and the larger of the
// two scores wins, clamped to [0,1]. An event is flagged anomalous when the
// final score exceeds the configured sensitivity (default 0.7).
//
// PERSISTENCE:
// In async mode events enter a bounded queue drained by a single consumer
// goroutine that flushes on batch size or flush interval, whichever comes
// first. Close drains the queue to completion before stopping: no event is
// ever dropped on shutdown. In sync mode each event is written immediately.
type Manager struct {
	sink       Sink
	config     Config
	detector   *AnomalyDetector
	compliance *ComplianceManager
	geo        GeoIP

	queue chan Event
	done  chan struct{}

	mu     sync.Mutex
	closed bool

	now func() time.Time
}

// EventParams carries the caller-supplied fields for one audit event.
type EventParams struct {
	Type         EventType
	UserID       string
	Action       string
	Result       Result
	CredentialID string
	IP           string
	UserAgent    string
	SessionID    string
	MFAVerified  bool
	DurationMs   int64
	Metadata     map[string]interface{}
}

const (
	defaultSensitivity   = 0.7
	defaultQueueSize     = 1024
	defaultBatchSize     = 64
	defaultFlushInterval = 2 * time.Second

	// Caller-supplied free-text fields are bounded so a hostile client
	// cannot bloat the audit store through a single event.
	maxActionLen    = 512
	maxUserAgentLen = 256
)

// NewManager builds a Manager over the configured sink. geo may be nil;
// location enrichment is then skipped.
func NewManager(config Config, geo GeoIP) (*Manager, error) {
	sink, err := NewSink(&config)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit sink: %w", err)
	}
	return NewManagerWithSink(config, sink, geo), nil
}

// NewManagerWithSink wires an existing sink, used by tests and by callers
// that share one sink between components.
func NewManagerWithSink(config Config, sink Sink, geo GeoIP) *Manager {
	if config.Sensitivity <= 0 {
		config.Sensitivity = defaultSensitivity
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaultQueueSize
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaultFlushInterval
	}

	m := &Manager{
		sink:       sink,
		config:     config,
		detector:   NewAnomalyDetector(),
		compliance: NewComplianceManager(config.Frameworks),
		geo:        geo,
		done:       make(chan struct{}),
		now:        time.Now,
	}

	if config.Async {
		m.queue = make(chan Event, config.QueueSize)
		go m.flushLoop()
	} else {
		close(m.done)
	}

	return m
}

// LogEvent builds, scores, checks, and persists one audit event, returning
// its ID. The event is immutable once persisted.
func (m *Manager) LogEvent(params EventParams) (string, error) {
	now := m.now().UTC()

	event := Event{
		ID:           generateEventID(),
		Type:         params.Type,
		UserID:       params.UserID,
		CredentialID: params.CredentialID,
		Action:       misc.Truncate(params.Action, maxActionLen),
		Result:       params.Result,
		Timestamp:    now,
		IP:           params.IP,
		UserAgent:    misc.Truncate(params.UserAgent, maxUserAgentLen),
		SessionID:    params.SessionID,
		MFAVerified:  params.MFAVerified,
		DurationMs:   params.DurationMs,
		Metadata:     params.Metadata,
	}

	// GeoIP enrichment is a soft dependency: failures degrade silently.
	if m.geo != nil && event.IP != "" {
		if country, city, err := m.geo.Lookup(event.IP); err == nil {
			event.Country = country
			event.City = city
		}
	}

	if event.UserAgent != "" || event.IP != "" {
		event.DeviceFingerprint = crypto.Fingerprint(event.UserAgent, event.IP)
	}

	score := m.baseRiskScore(event)

	// Anomaly detection against the user's trailing 30-day history. A sink
	// that cannot be queried (syslog) degrades to base scoring only.
	if event.UserID != "" {
		since := now.Add(-m.detector.HistoryWindow)
		result, err := m.sink.Query(QueryOptions{UserID: event.UserID, Since: &since})
		if err == nil {
			if anomaly := m.detector.Score(event, result.Events); anomaly > score {
				score = anomaly
			}
		}
	}

	event.RiskScore = clamp01(score)
	event.AnomalyDetected = event.RiskScore > m.config.Sensitivity
	event.ComplianceFlags = m.compliance.CheckEvent(event)

	if err := m.persist(event); err != nil {
		return "", err
	}
	return event.ID, nil
}

// baseRiskScore computes the weighted sum described on the Manager doc.
func (m *Manager) baseRiskScore(event Event) float64 {
	var score float64

	switch {
	case event.Type.HighRisk():
		score += 0.4
	case event.Type.MediumRisk():
		score += 0.2
	}

	if event.Result == ResultFailure || event.Result == ResultDenied {
		score += 0.3
	}

	if event.Type.HighRisk() && !event.MFAVerified {
		score += 0.2
	}

	if hour := event.Timestamp.Hour(); hour < 6 || hour >= 22 {
		score += 0.1
	}

	return score
}

func (m *Manager) persist(event Event) error {
	if !m.config.Async {
		return m.sink.Insert([]Event{event})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		// Late events after shutdown are written synchronously rather
		// than dropped.
		return m.sink.Insert([]Event{event})
	}
	m.queue <- event
	return nil
}

// flushLoop is the single queue consumer. Events for one user are handled
// in submission order because there is exactly one consumer.
func (m *Manager) flushLoop() {
	ticker := time.NewTicker(m.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, m.config.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		// A sink failure here cannot surface to the caller; the events are
		// retried once and then surrendered to avoid wedging the queue.
		if err := m.sink.Insert(batch); err != nil {
			_ = m.sink.Insert(batch)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-m.queue:
			if !ok {
				flush()
				close(m.done)
				return
			}
			batch = append(batch, event)
			if len(batch) >= m.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Query returns stored events matching the options.
func (m *Manager) Query(options QueryOptions) (QueryResult, error) {
	return m.sink.Query(options)
}

// GenerateComplianceReport evaluates one framework over [start, end].
func (m *Manager) GenerateComplianceReport(framework Framework, start, end time.Time) (*ComplianceReport, error) {
	result, err := m.sink.Query(QueryOptions{Since: &start, Until: &end})
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail for report: %w", err)
	}

	report := m.compliance.BuildReport(framework, result.Events)
	report.PeriodStart = start
	report.PeriodEnd = end
	return report, nil
}

// Close drains the queue to completion, then closes the sink. Safe to call
// once; events logged after Close are written synchronously.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.config.Async {
		close(m.queue)
	}
	m.mu.Unlock()

	<-m.done
	return m.sink.Close()
}
