package logging

import (
	"time"

	"github.com/rs/zerolog"
)

// OperationTimer logs how long an operation took together with its details
type OperationTimer struct {
	module    string
	operation string
	startTime time.Time
	details   map[string]interface{}
}

// StartOperation starts timing operation
func StartOperation(module, operation string) *OperationTimer {
	return &OperationTimer{
		module:    module,
		operation: operation,
		startTime: time.Now(),
		details:   make(map[string]interface{}),
	}
}

// AddDetail attaches a field to the final log line
func (t *OperationTimer) AddDetail(key string, value interface{}) *OperationTimer {
	t.details[key] = value
	return t
}

// Elapsed returns the time since StartOperation
func (t *OperationTimer) Elapsed() time.Duration {
	return time.Since(t.startTime)
}

// End logs a completed operation at debug level
func (t *OperationTimer) End() time.Duration {
	d := t.Elapsed()
	t.fill(Logger.Debug(), d).Msg("Operation completed")
	return d
}

// EndWithError logs a failed operation at error level
func (t *OperationTimer) EndWithError(err error) time.Duration {
	d := t.Elapsed()
	t.fill(Logger.Error(), d).Err(err).Msg("Operation failed")
	return d
}

// Finish calls End or EndWithError depending on err
func (t *OperationTimer) Finish(err error) time.Duration {
	if err != nil {
		return t.EndWithError(err)
	}
	return t.End()
}

func (t *OperationTimer) fill(event *zerolog.Event, d time.Duration) *zerolog.Event {
	event = event.
		Str("module", t.module).
		Str("category", "performance").
		Str("operation", t.operation).
		Dur("duration", d).
		Int64("duration_ms", d.Milliseconds())

	for k, v := range t.details {
		switch val := v.(type) {
		case string:
			event.Str(k, val)
		case int:
			event.Int(k, val)
		case int64:
			event.Int64(k, val)
		case float64:
			event.Float64(k, val)
		case bool:
			event.Bool(k, val)
		default:
			event.Interface(k, val)
		}
	}
	return event
}
