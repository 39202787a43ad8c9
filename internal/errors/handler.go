package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeNoTarget      ErrorType = "no_target"
	ErrorTypeDispatch      ErrorType = "dispatch"
	ErrorTypeOracle        ErrorType = "oracle"
	ErrorTypePreparation   ErrorType = "preparation"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeSystem        ErrorType = "system"
)

// ErrorSeverity represents the severity of an error
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	wrapped   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.wrapped
}

// Is matches another AppError by type and code, so sentinel values
// survive WithError/WithContext copies.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// NewError creates a new application error
func NewError(errType ErrorType, severity ErrorSeverity, code string, message string) *AppError {
	return &AppError{
		Type:      errType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// WithError returns a copy of e wrapping err. The receiver is left
// untouched so package-level sentinels can be reused.
func (e *AppError) WithError(err error) *AppError {
	c := e.clone()
	c.wrapped = err
	return c
}

// WithContext returns a copy of e carrying an extra context value.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	c := e.clone()
	c.Context[key] = value
	return c
}

func (e *AppError) clone() *AppError {
	c := *e
	c.Timestamp = time.Now()
	c.Context = make(map[string]interface{}, len(e.Context))
	for k, v := range e.Context {
		c.Context[k] = v
	}
	return &c
}

// TypeOf reports the ErrorType of the first AppError in err's chain.
func TypeOf(err error) (ErrorType, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type, true
	}
	return "", false
}

// IsType reports whether err carries an AppError of the given type.
func IsType(err error, errType ErrorType) bool {
	t, ok := TypeOf(err)
	return ok && t == errType
}

// ErrorHandler logs absorbed failures and keeps per-kind counts.
// It never escalates: callers decide what is fatal.
type ErrorHandler struct {
	logger     *zap.Logger
	errorStats *ErrorStats
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger:     logger,
		errorStats: NewErrorStats(),
	}
}

// Handle logs err at a level derived from its severity, records it, and
// returns the AppError view of it.
func (h *ErrorHandler) Handle(ctx context.Context, err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		appErr = NewError(ErrorTypeSystem, SeverityMedium, "UNKNOWN", err.Error()).
			WithError(err)
	}

	if ctx != nil && ctx.Err() != nil {
		appErr = appErr.WithContext("context_error", ctx.Err().Error())
	}

	h.logError(appErr, err)
	h.errorStats.Record(appErr)

	return appErr
}

// Stats returns a copy of the recorded error counts.
func (h *ErrorHandler) Stats() map[string]int64 {
	return h.errorStats.GetStats()
}

// logError logs an error with appropriate level
func (h *ErrorHandler) logError(appErr *AppError, cause error) {
	fields := []zap.Field{
		zap.String("type", string(appErr.Type)),
		zap.String("severity", string(appErr.Severity)),
		zap.String("code", appErr.Code),
		zap.Error(cause),
	}

	if len(appErr.Context) > 0 {
		keys := make([]string, 0, len(appErr.Context))
		for k := range appErr.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fields = append(fields, zap.Any(k, appErr.Context[k]))
		}
	}

	switch appErr.Severity {
	case SeverityCritical:
		h.logger.Error(appErr.Message, fields...)
	case SeverityHigh:
		h.logger.Warn(appErr.Message, fields...)
	case SeverityMedium:
		h.logger.Info(appErr.Message, fields...)
	default:
		h.logger.Debug(appErr.Message, fields...)
	}
}

// ErrorStats tracks error statistics
type ErrorStats struct {
	counts map[string]int64
	mu     sync.RWMutex
}

// NewErrorStats creates new error statistics tracker
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		counts: make(map[string]int64),
	}
}

// Record records an error occurrence
func (es *ErrorStats) Record(err *AppError) {
	es.mu.Lock()
	defer es.mu.Unlock()

	key := fmt.Sprintf("%s:%s", err.Type, err.Code)
	es.counts[key]++
}

// GetStats returns current error statistics
func (es *ErrorStats) GetStats() map[string]int64 {
	es.mu.RLock()
	defer es.mu.RUnlock()

	stats := make(map[string]int64, len(es.counts))
	for k, v := range es.counts {
		stats[k] = v
	}
	return stats
}

// Error kinds raised by the batching engine.
var (
	ErrNoTarget = NewError(
		ErrorTypeNoTarget,
		SeverityCritical,
		"NO_TARGET",
		"No candidate resource has positive capacity",
	)

	ErrDispatchFailure = NewError(
		ErrorTypeDispatch,
		SeverityLow,
		"DISPATCH_FAILED",
		"Stage dispatch failed; stage skipped",
	)

	ErrOracleUnavailable = NewError(
		ErrorTypeOracle,
		SeverityMedium,
		"ORACLE_UNAVAILABLE",
		"Oracle unavailable; cycle dispatch skipped",
	)

	ErrPreparation = NewError(
		ErrorTypePreparation,
		SeverityMedium,
		"PREPARATION_FAILED",
		"Preparation interrupted; cycle dispatch skipped",
	)

	ErrInvalidConfig = NewError(
		ErrorTypeConfiguration,
		SeverityHigh,
		"INVALID_CONFIG",
		"Invalid configuration",
	)
)

// SafeRecover provides safe panic recovery with logging
func SafeRecover(logger *zap.Logger, operation string) {
	if r := recover(); r != nil {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		stackTrace := string(buf[:n])

		lines := strings.Split(stackTrace, "\n")
		var relevantLines []string
		for i, line := range lines {
			if strings.Contains(line, "panic") {
				for j := i; j < len(lines) && j < i+10; j++ {
					relevantLines = append(relevantLines, lines[j])
				}
				break
			}
		}

		logger.Error("Panic recovered",
			zap.String("operation", operation),
			zap.Any("panic", r),
			zap.String("stack_trace", strings.Join(relevantLines, "\n")),
		)
	}
}
