package apiclient

import (
	"context"
	"time"
)

// OperationEvent describes one completed HTTP operation.
type OperationEvent struct {
	Collection string
	Operation  string
	Kind       Kind
	Method     string
	URL        string
	Status     int
	Duration   time.Duration
	Cached     bool
	Err        error
	Time       time.Time
}

// Observer is notified after every HTTP operation, successful or not.
// Implementations must not block.
type Observer interface {
	ObserveOperation(ctx context.Context, ev OperationEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev OperationEvent)

// ObserveOperation implements Observer.
func (f ObserverFunc) ObserveOperation(ctx context.Context, ev OperationEvent) {
	f(ctx, ev)
}
