package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config defines audit configuration: which sink persists events and how the
// manager queues, scores, and checks them.
type Config struct {
	Enabled bool                   `json:"enabled"`
	Type    SinkType               `json:"type"`    // "file", "sqlite", "syslog", ""
	Options map[string]interface{} `json:"options"` // Provider-specific options

	// Async selects queued persistence: events enter a bounded queue drained
	// by a single consumer that flushes on BatchSize or FlushInterval,
	// whichever comes first. When false every event is written immediately.
	Async         bool          `json:"async"`
	QueueSize     int           `json:"queue_size"`
	BatchSize     int           `json:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval"`

	// Sensitivity is the risk-score threshold above which an event is
	// flagged anomalous. Default 0.7.
	Sensitivity float64 `json:"sensitivity"`

	// Frameworks enables compliance rule sets evaluated per event.
	Frameworks []Framework `json:"frameworks,omitempty"`
}

type SinkType string

const (
	FileSinkType   SinkType = "file"
	SQLiteSinkType SinkType = "sqlite"
	SyslogSinkType SinkType = "syslog"
	NoOpSinkType   SinkType = ""
)

// Sink persists audit events. Insert is a bulk operation: the async flusher
// hands over whole batches and expects all-or-nothing semantics per call.
type Sink interface {
	Insert(events []Event) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// NewSink creates an appropriate sink based on configuration
func NewSink(config *Config) (Sink, error) {
	if config == nil || !config.Enabled {
		return &NoOpSink{}, nil
	}

	switch config.Type {
	case FileSinkType:
		return NewFileSink(config)
	case SQLiteSinkType:
		return NewSQLiteSink(config)
	case SyslogSinkType:
		return NewSyslogSink(config)
	case NoOpSinkType:
		return &NoOpSink{}, nil
	default:
		return nil, fmt.Errorf("unknown audit sink: %s", config.Type)
	}
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	// Convert to JSON and back to parse into struct
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}

// generateEventID creates a unique event ID. The sqlite sink uses it as a
// primary key, so collisions would fail whole insert batches.
func generateEventID() string {
	return uuid.NewString()
}
