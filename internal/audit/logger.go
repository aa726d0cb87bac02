package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kubilitics/metric-investigator/internal/logging"
	"github.com/kubilitics/metric-investigator/internal/models"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Investigation lifecycle
	LogInvestigationStarted(ctx context.Context, conversationID, trigger string) error
	LogInvestigationCompleted(ctx context.Context, conversationID string, steps int, duration time.Duration) error
	LogInvestigationFailed(ctx context.Context, conversationID string, err error) error
	LogBudgetExhausted(ctx context.Context, conversationID string, maxSteps int) error

	// LogStepExecuted records one committed step result
	LogStepExecuted(ctx context.Context, conversationID string, result models.StepResult) error

	// LogFeedbackSubmitted records feedback appended to a conversation
	LogFeedbackSubmitted(ctx context.Context, conversationID string) error

	// Configuration events
	LogConfigLoaded(ctx context.Context, path string) error
	LogConfigChanged(ctx context.Context, path string, changes map[string]any) error

	// Server lifecycle
	LogServerStarted(ctx context.Context, address string) error
	LogServerShutdown(ctx context.Context, err error) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// FlushInterval is how often buffered events are written
	FlushInterval time.Duration

	// BufferSize triggers an immediate flush when reached
	BufferSize int
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath:  "logs/audit.log",
		MaxSize:       100, // megabytes
		MaxBackups:    10,
		MaxAge:        30, // days
		Compress:      true,
		FlushInterval: time.Second,
		BufferSize:    100,
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates an audit logger writing to a rotated file. Marshal
// failures are reported on appLogger.
func NewLogger(config *Config, appLogger *zap.Logger) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.AuditLogPath == "" {
		return nil, fmt.Errorf("audit log path is required")
	}
	rotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
	return newLogger(config, appLogger, zapcore.AddSync(rotator)), nil
}

// NewNopLogger returns an audit logger that discards every event.
func NewNopLogger() Logger {
	return newLogger(DefaultConfig(), nil, zapcore.AddSync(io.Discard))
}

func newLogger(config *Config, appLogger *zap.Logger, sink zapcore.WriteSyncer) *auditLogger {
	if appLogger == nil {
		appLogger = zap.NewNop()
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 100
	}

	// Audit logs are always INFO level, append-only
	core := zapcore.NewCore(zapcore.NewJSONEncoder(logging.EncoderConfig()), sink, zapcore.InfoLevel)

	l := &auditLogger{
		appLogger:   appLogger,
		auditLogger: zap.New(core),
		config:      config,
		buffer:      make([]*Event, 0, config.BufferSize),
		flushTicker: time.NewTicker(config.FlushInterval),
		stopCh:      make(chan struct{}),
	}
	go l.autoFlush()
	return l
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= l.config.BufferSize {
		return l.flushLocked()
	}
	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]
	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

func (l *auditLogger) LogInvestigationStarted(ctx context.Context, conversationID, trigger string) error {
	event := NewEvent(EventInvestigationStarted).
		WithConversation(conversationID).
		WithTrigger(trigger).
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("Investigation %s started (%s)", conversationID, trigger))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogInvestigationCompleted(ctx context.Context, conversationID string, steps int, duration time.Duration) error {
	event := NewEvent(EventInvestigationCompleted).
		WithConversation(conversationID).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithMetadata("steps", steps).
		WithDescription(fmt.Sprintf("Investigation %s completed", conversationID))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogInvestigationFailed(ctx context.Context, conversationID string, err error) error {
	event := NewEvent(EventInvestigationFailed).
		WithConversation(conversationID).
		WithError(err, "investigation_error").
		WithDescription(fmt.Sprintf("Investigation %s failed", conversationID))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogBudgetExhausted(ctx context.Context, conversationID string, maxSteps int) error {
	event := NewEvent(EventInvestigationBudgetExceeded).
		WithConversation(conversationID).
		WithResult(ResultSuccess).
		WithMetadata("max_steps", maxSteps).
		WithDescription(fmt.Sprintf("Investigation %s stopped after %d decisions", conversationID, maxSteps))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogStepExecuted(ctx context.Context, conversationID string, result models.StepResult) error {
	eventType, outcome := EventStepExecuted, ResultSuccess
	if !result.Success {
		eventType, outcome = EventStepFailed, ResultFailure
	}
	event := NewEvent(eventType).
		WithConversation(conversationID).
		WithStep(result.StepID, string(result.Action)).
		WithResult(outcome).
		WithDuration(time.Duration(result.DurationMS) * time.Millisecond).
		WithMetadata("confidence", result.ConfidenceScore)
	if !result.Success {
		event.Error = result.ErrorMessage
	}

	return l.Log(ctx, event)
}

func (l *auditLogger) LogFeedbackSubmitted(ctx context.Context, conversationID string) error {
	event := NewEvent(EventFeedbackSubmitted).
		WithConversation(conversationID).
		WithResult(ResultSuccess)

	return l.Log(ctx, event)
}

func (l *auditLogger) LogConfigLoaded(ctx context.Context, path string) error {
	event := NewEvent(EventConfigLoaded).
		WithResult(ResultSuccess).
		WithMetadata("path", path)

	return l.Log(ctx, event)
}

func (l *auditLogger) LogConfigChanged(ctx context.Context, path string, changes map[string]any) error {
	event := NewEvent(EventConfigChanged).
		WithResult(ResultSuccess).
		WithMetadata("path", path).
		WithDescription(fmt.Sprintf("Configuration %s changed", path))
	for k, v := range changes {
		event.WithMetadata(k, v)
	}

	return l.Log(ctx, event)
}

func (l *auditLogger) LogServerStarted(ctx context.Context, address string) error {
	event := NewEvent(EventServerStarted).
		WithResult(ResultSuccess).
		WithMetadata("address", address)

	return l.Log(ctx, event)
}

func (l *auditLogger) LogServerShutdown(ctx context.Context, err error) error {
	event := NewEvent(EventServerShutdown).
		WithResult(ResultSuccess).
		WithError(err, "server_error")

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.auditLogger.Sync()
}

// Close stops the flush loop and writes anything still buffered
func (l *auditLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
	})
	return l.Sync()
}

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}
