// Package ctxkeys carries request-scoped identifiers through context so log
// lines can be correlated without threading ids through every signature.
package ctxkeys

import (
	"context"

	"go.uber.org/zap"
)

// contextKey is the key type for values stored in a context.
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	taskIDKey    contextKey = "task_id"
	workerKey    contextKey = "worker"
	callerKey    contextKey = "caller"
)

// WithRequestID stores the collaboration request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the collaboration request id.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithTaskID stores the task id.
func WithTaskID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// TaskID returns the task id.
func TaskID(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(taskIDKey).(int64)
	if !ok || v == 0 {
		return 0, false
	}
	return v, true
}

// WithWorker stores the worker persona name.
func WithWorker(ctx context.Context, worker string) context.Context {
	return context.WithValue(ctx, workerKey, worker)
}

// Worker returns the worker persona name.
func Worker(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(workerKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithCaller stores the authenticated subject that submitted the request.
func WithCaller(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, callerKey, subject)
}

// Caller returns the authenticated subject.
func Caller(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(callerKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Fields renders every id present in ctx as zap fields.
func Fields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if v, ok := RequestID(ctx); ok {
		fields = append(fields, zap.String("request_id", v))
	}
	if v, ok := TaskID(ctx); ok {
		fields = append(fields, zap.Int64("task_id", v))
	}
	if v, ok := Worker(ctx); ok {
		fields = append(fields, zap.String("worker", v))
	}
	if v, ok := Caller(ctx); ok {
		fields = append(fields, zap.String("caller", v))
	}
	return fields
}
