package audit

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Sink persists audit entries. Write may block on I/O; the Logger bounds
// it with a timeout.
type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

// ZapSink writes entries as structured log lines.
type ZapSink struct {
	logger *zap.Logger
}

func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger.With(zap.String("component", "audit"))}
}

func (s *ZapSink) Write(_ context.Context, entry Entry) error {
	s.logger.Info("audit event",
		zap.String("audit_id", entry.ID),
		zap.String("type", string(entry.Type)),
		zap.String("user_id", entry.UserID),
		zap.Time("timestamp", entry.Timestamp),
		zap.Any("details", entry.Details),
		zap.Any("metadata", entry.Metadata),
	)
	return nil
}

// MemorySink keeps entries in process memory.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemorySink() *MemorySink {
	return &MemorySink{entries: make([]Entry, 0)}
}

func (s *MemorySink) Write(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// MultiSink fans an entry out to every sink. One failing sink does not stop
// the others.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, entry Entry) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Write(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
