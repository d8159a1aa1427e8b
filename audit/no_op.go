package audit

// NoOpSink is a no-op implementation for when auditing is disabled
type NoOpSink struct{}

func NewNoOpSink() Sink {
	return new(NoOpSink)
}

func (n *NoOpSink) Insert(events []Event) error {
	return nil
}

func (n *NoOpSink) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{}, nil
}

func (n *NoOpSink) Close() error {
	return nil
}
