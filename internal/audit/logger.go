// Package audit records report generation attempts, template mutations and
// report access. Recording never fails the operation being audited.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/fingerprint"
)

type EventType string

const (
	EventReportGeneration EventType = "report_generation"
	EventTemplateAction   EventType = "template_action"
	EventReportAccess     EventType = "report_access"
)

type Entry struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	UserID    string         `json:"user_id"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type Config struct {
	WriteTimeout time.Duration
	Now          func() time.Time
	Logger       *zap.Logger
}

type Logger struct {
	sink    Sink
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

func NewLogger(sink Sink, config Config) *Logger {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 3 * time.Second
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Logger{
		sink:    sink,
		timeout: config.WriteTimeout,
		now:     config.Now,
		logger:  config.Logger.With(zap.String("component", "audit")),
	}
}

// LogReportGeneration records a generation attempt. A nil genErr marks
// success.
func (l *Logger) LogReportGeneration(
	ctx context.Context,
	userID string,
	config domain.ReportConfig,
	genErr error,
	metadata map[string]any,
) {
	normalized := fingerprint.Normalize(config)
	details := map[string]any{
		"domains":               append([]string(nil), config.Domains...),
		"fields":                qualifiedFields(config),
		"filters":               MaskValue(normalized.Filters),
		"limit":                 normalized.Limit,
		"include_relationships": config.IncludeRelationships,
		"fingerprint":           fingerprint.Fingerprint(config),
		"status":                "success",
	}
	if genErr != nil {
		details["status"] = "failure"
		details["error"] = genErr.Error()
	}
	l.write(ctx, EventReportGeneration, userID, details, metadata)
}

func (l *Logger) LogTemplateAction(ctx context.Context, userID, action, templateID string, details map[string]any) {
	merged := make(map[string]any, len(details)+2)
	for key, value := range details {
		merged[key] = MaskValue(value)
	}
	merged["action"] = action
	merged["template_id"] = templateID
	l.write(ctx, EventTemplateAction, userID, merged, nil)
}

func (l *Logger) LogReportAccess(ctx context.Context, userID, reportID, accessType string) {
	l.write(ctx, EventReportAccess, userID, map[string]any{
		"report_id":   reportID,
		"access_type": accessType,
	}, nil)
}

func (l *Logger) write(ctx context.Context, eventType EventType, userID string, details, metadata map[string]any) {
	if l == nil || l.sink == nil {
		return
	}

	entry := Entry{
		ID:        uuid.NewString(),
		Type:      eventType,
		UserID:    userID,
		Timestamp: l.now(),
		Details:   cloneMap(details),
		Metadata:  cloneMap(metadata),
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			l.logger.Error("audit sink panicked",
				zap.String("audit_id", entry.ID),
				zap.String("type", string(eventType)),
				zap.Any("panic", recovered),
			)
		}
	}()

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()
	if err := l.sink.Write(writeCtx, entry); err != nil {
		l.logger.Warn("audit write failed",
			zap.String("audit_id", entry.ID),
			zap.String("type", string(eventType)),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

func qualifiedFields(config domain.ReportConfig) []string {
	fields := make([]string, 0)
	for _, domainName := range config.Domains {
		for _, field := range config.Fields[domainName] {
			fields = append(fields, fmt.Sprintf("%s.%s", domainName, field))
		}
	}
	return fields
}

func cloneMap(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	cloned := make(map[string]any, len(values))
	for key, value := range values {
		cloned[key] = value
	}
	return cloned
}
