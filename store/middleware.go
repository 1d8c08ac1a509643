package store

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/statelayer/statelayer/events"
)

// LoggingMiddleware logs every action passing through dispatch with its
// outcome and duration.
func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next Dispatcher) Dispatcher {
		return func(a Action) error {
			start := time.Now()
			err := next(a)
			evt := logger.Debug()
			if err != nil {
				evt = logger.Error().Err(err)
			}
			evt.
				Str("action", string(a.Type)).
				Str("request_id", a.Meta.RequestID).
				Dur("duration", time.Since(start)).
				Msg("dispatch")
			return err
		}
	}
}

// EventsMiddleware records every action passing through dispatch to the
// given event log, including actions later aborted by the reducer.
func EventsMiddleware(log events.Log) Middleware {
	return func(next Dispatcher) Dispatcher {
		return func(a Action) error {
			start := time.Now()
			err := next(a)
			ev := events.Event{
				Type:      events.EventDispatchApplied,
				Action:    string(a.Type),
				RequestID: a.Meta.RequestID,
				Duration:  time.Since(start),
			}
			if err != nil {
				ev.Type = events.EventDispatchRejected
				ev.Severity = events.SeverityError
				ev.Error = err.Error()
			}
			log.Record(ev)
			return err
		}
	}
}

// RateLimitMiddleware rejects actions beyond the configured rate with
// ErrRateLimited. Engine-owned actions (transforms carrying optimistic
// patches and rollbacks) are never limited; dropping a rollback would
// strand speculative state.
func RateLimitMiddleware(limit rate.Limit, burst int) Middleware {
	limiter := rate.NewLimiter(limit, burst)
	return func(next Dispatcher) Dispatcher {
		return func(a Action) error {
			if a.Type != ActionTransform && !limiter.Allow() {
				return ErrRateLimited
			}
			return next(a)
		}
	}
}
