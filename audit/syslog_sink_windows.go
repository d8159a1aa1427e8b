//go:build windows

package audit

import "fmt"

// SyslogSink is unavailable on Windows.
type SyslogSink struct{}

func NewSyslogSink(config *Config) (*SyslogSink, error) {
	return nil, fmt.Errorf("syslog sink is not supported on windows")
}

func (s *SyslogSink) Insert(events []Event) error { return fmt.Errorf("syslog sink unavailable") }

func (s *SyslogSink) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{}, fmt.Errorf("syslog sink unavailable")
}

func (s *SyslogSink) Close() error { return nil }
