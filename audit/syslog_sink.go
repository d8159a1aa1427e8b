//go:build !windows

package audit

import (
	"encoding/json"
	"fmt"
	"log/syslog"
)

// Ensure SyslogSink implements Sink interface
var _ Sink = (*SyslogSink)(nil)

type SyslogOptions struct {
	Network  string `json:"network"`  // "tcp", "udp", ""
	Address  string `json:"address"`  // "localhost:514"
	Priority int    `json:"priority"` // syslog.LOG_INFO, etc.
	Tag      string `json:"tag"`
}

// SyslogSink forwards audit events to syslog. Write-only: querying the
// trail requires a file or sqlite sink alongside, so anomaly detection
// degrades to base risk scoring when syslog is the only sink.
type SyslogSink struct {
	config     *Config
	syslogOpts SyslogOptions
	writer     *syslog.Writer
}

// NewSyslogSink creates a new syslog audit sink with options
func NewSyslogSink(config *Config) (*SyslogSink, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	var syslogOpts SyslogOptions
	if err := parseOptions(config.Options, &syslogOpts); err != nil {
		return nil, fmt.Errorf("invalid syslog sink options: %w", err)
	}

	if syslogOpts.Priority == 0 {
		syslogOpts.Priority = int(syslog.LOG_INFO | syslog.LOG_USER)
	}
	if syslogOpts.Tag == "" {
		syslogOpts.Tag = "hivevault-audit"
	}

	var writer *syslog.Writer
	var err error

	if syslogOpts.Network != "" && syslogOpts.Address != "" {
		// Remote syslog
		writer, err = syslog.Dial(syslogOpts.Network, syslogOpts.Address,
			syslog.Priority(syslogOpts.Priority), syslogOpts.Tag)
	} else {
		// Local syslog
		writer, err = syslog.New(syslog.Priority(syslogOpts.Priority), syslogOpts.Tag)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create syslog writer: %w", err)
	}

	return &SyslogSink{
		config:     config,
		syslogOpts: syslogOpts,
		writer:     writer,
	}, nil
}

func (s *SyslogSink) Insert(events []Event) error {
	if s.writer == nil {
		return fmt.Errorf("syslog writer not initialized")
	}

	for _, event := range events {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal audit event: %w", err)
		}

		logMessage := fmt.Sprintf("HIVEVAULT_AUDIT: %s", string(eventJSON))

		switch {
		case event.Result == ResultFailure || event.Result == ResultError:
			err = s.writer.Err(logMessage)
		case event.Result == ResultDenied || event.AnomalyDetected:
			err = s.writer.Warning(logMessage)
		case event.Type.HighRisk():
			// High-risk operations always go to notice level
			err = s.writer.Notice(logMessage)
		default:
			err = s.writer.Info(logMessage)
		}
		if err != nil {
			return fmt.Errorf("failed to write audit event to syslog: %w", err)
		}
	}

	return nil
}

// Query implementation for syslog - limited capability since syslog is write-only
func (s *SyslogSink) Query(options QueryOptions) (QueryResult, error) {
	// Syslog is typically write-only and doesn't support querying historical
	// data. Pair with a file or sqlite sink when the trail must be queryable.
	return QueryResult{}, fmt.Errorf("syslog sink does not support querying historical data")
}

func (s *SyslogSink) Close() error {
	if s.writer != nil {
		err := s.writer.Close()
		s.writer = nil
		return err
	}
	return nil
}
