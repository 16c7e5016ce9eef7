// Package engine drives the migration: it pulls messages from the normalized
// source one at a time, formats and posts each one, and flushes the
// checkpoint after every outcome before advancing.
//
// The engine is strictly sequential. Destination order must match source
// chronological order and the one shared credential is mutated in place on
// refresh, so nothing is sent concurrently and nothing runs in the
// background. Delivery is at-least-once: if the process dies after a POST
// succeeds but before the checkpoint flush lands, the restarted run sends
// that message again — no deduplication key is sent, and this window is
// accepted rather than hidden.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/qmuntal/stateless"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"chatmigrate/internal/auth"
	"chatmigrate/internal/checkpoint"
	"chatmigrate/internal/destination"
	"chatmigrate/internal/domain"
	"chatmigrate/internal/export"
	"chatmigrate/internal/format"
	"chatmigrate/internal/observability"
)

// ErrTooManyErrors is the fatal halt once the accumulated per-message
// delivery errors exceed the configured budget.
var ErrTooManyErrors = errors.New("too many delivery errors")

// Sender posts one formatted message to the destination.
type Sender interface {
	PostMessage(ctx context.Context, token, content string) (destination.SendResult, error)
}

// TokenSource supplies the bearer credential and performs the one permitted
// reactive refresh.
type TokenSource interface {
	Current() string
	Refresh(ctx context.Context) error
}

type Engine struct {
	Source  export.Source
	Format  *format.Formatter
	Sender  Sender
	Tokens  TokenSource
	Tracker *checkpoint.Tracker

	// Pacer spaces successful sends to stay under the destination's radar;
	// it is independent of server-driven throttling.
	Pacer *rate.Limiter
	// Breaker wraps the outbound POST. Only transport failures feed it;
	// 429/401 are status outcomes and never trip it.
	Breaker *gobreaker.CircuitBreaker

	// ErrorBudget is the number of tolerated delivery errors; the failure
	// after the budget is exhausted halts the run.
	ErrorBudget int
	// RetryAfterFallback is the wait for a 429 that carries no usable
	// Retry-After header.
	RetryAfterFallback time.Duration

	Logger *slog.Logger

	// Sleep overrides the throttling wait, for tests. Nil means a real
	// context-aware sleep.
	Sleep func(context.Context, time.Duration) error
}

// Summary is the user-visible result of a run, complete or halted.
type Summary struct {
	Posted int
	Total  int
	Errors []checkpoint.DeliveryError
}

// Delivery states. Each message walks pending -> sending -> one of the
// terminal outcomes, possibly looping through rate_limited or unauthorized
// back into sending for the same index.
var (
	statePending      stateless.State = "pending"
	stateSending      stateless.State = "sending"
	stateDelivered    stateless.State = "delivered"
	stateRateLimited  stateless.State = "rate_limited"
	stateUnauthorized stateless.State = "unauthorized"
	stateFailed       stateless.State = "failed"
	stateAuthFailed   stateless.State = "auth_failed"
)

var (
	triggerSend      stateless.Trigger = "send"
	triggerDelivered stateless.Trigger = "delivered"
	triggerThrottled stateless.Trigger = "throttled"
	triggerDenied    stateless.Trigger = "denied"
	triggerErrored   stateless.Trigger = "errored"
	triggerRetry     stateless.Trigger = "retry"
	triggerAuthFatal stateless.Trigger = "auth_fatal"
)

// attempt carries the mutable state of one message's delivery across FSM
// transitions.
type attempt struct {
	index     int
	msg       domain.Message
	content   string
	result    destination.SendResult
	refreshed bool
	failure   error // non-fatal delivery failure, charged to the budget
	fatal     error // auth failure, halts the run
}

// deliveryFailure wraps a per-message failure so Run can tell it apart from
// fatal errors.
type deliveryFailure struct{ err error }

func (e *deliveryFailure) Error() string { return e.err.Error() }
func (e *deliveryFailure) Unwrap() error { return e.err }

// Run executes the migration from the checkpoint's resume position to the
// end of the source. The returned Summary reflects the flushed checkpoint
// whether the run completed or halted.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	log := e.logger()
	total := e.Source.Len()
	start := e.Tracker.ResumeIndex()

	if e.Tracker.Completed() {
		log.Info("checkpoint already completed, nothing to do")
		return e.summary(), nil
	}
	log.Info("starting delivery", "total", total, "resume_index", start, "recorded_errors", e.Tracker.ErrorCount())

	for i := start; i < total; i++ {
		if err := e.pace(ctx); err != nil {
			return e.summary(), err
		}

		msg, err := e.Source.Message(i)
		if err != nil {
			return e.summary(), fmt.Errorf("read message %d: %w", i, err)
		}

		a := &attempt{index: i, msg: msg, content: e.Format.Render(msg)}
		err = e.deliver(ctx, a)

		var df *deliveryFailure
		switch {
		case err == nil:
			observability.Posted.Inc()
			if err := e.Tracker.RecordSuccess(i); err != nil {
				return e.summary(), fmt.Errorf("flush checkpoint: %w", err)
			}
			log.Info("message delivered", "index", i, "sender", msg.Sender, "destination_id", a.result.MessageID)

		case errors.As(err, &df):
			observability.DeliveryErrors.Inc()
			if e.Tracker.ErrorCount() >= e.ErrorBudget {
				// The failure that breaks the budget is reported, not
				// persisted: the checkpoint keeps exactly ErrorBudget errors.
				log.Error("error budget exhausted", "index", i, "budget", e.ErrorBudget, "err", df.err)
				return e.summary(), fmt.Errorf("%w: budget %d exhausted at index %d (%s): %v",
					ErrTooManyErrors, e.ErrorBudget, i, msg.Sender, df.err)
			}
			if err := e.Tracker.RecordError(i, msg.Sender, df.err.Error()); err != nil {
				return e.summary(), fmt.Errorf("flush checkpoint: %w", err)
			}
			log.Warn("message failed, continuing", "index", i, "sender", msg.Sender, "err", df.err)

		default:
			return e.summary(), err
		}
	}

	if err := e.Tracker.Finalize(time.Now().UTC()); err != nil {
		return e.summary(), fmt.Errorf("finalize checkpoint: %w", err)
	}
	s := e.summary()
	log.Info("delivery complete", "posted", s.Posted, "total", s.Total, "errors", len(s.Errors))
	return s, nil
}

// deliver runs the state machine for one message. nil means delivered; a
// *deliveryFailure is charged to the budget; anything else is fatal.
func (e *Engine) deliver(ctx context.Context, a *attempt) error {
	fsm := stateless.NewStateMachine(statePending)

	fsm.Configure(statePending).
		Permit(triggerSend, stateSending)

	fsm.Configure(stateSending).
		OnEntry(func(c context.Context, _ ...any) error { return e.onSend(c, fsm, a) }).
		Permit(triggerDelivered, stateDelivered).
		Permit(triggerThrottled, stateRateLimited).
		Permit(triggerDenied, stateUnauthorized).
		Permit(triggerErrored, stateFailed).
		Permit(triggerAuthFatal, stateAuthFailed)

	fsm.Configure(stateRateLimited).
		OnEntry(func(c context.Context, _ ...any) error { return e.onThrottled(c, fsm, a) }).
		Permit(triggerRetry, stateSending)

	fsm.Configure(stateUnauthorized).
		OnEntry(func(c context.Context, _ ...any) error { return e.onDenied(c, fsm, a) }).
		Permit(triggerRetry, stateSending).
		Permit(triggerAuthFatal, stateAuthFailed)

	if err := fsm.FireCtx(ctx, triggerSend); err != nil {
		return err
	}

	switch fsm.MustState() {
	case stateDelivered:
		return nil
	case stateFailed:
		return &deliveryFailure{err: a.failure}
	case stateAuthFailed:
		return a.fatal
	default:
		return fmt.Errorf("delivery of message %d halted in state %v", a.index, fsm.MustState())
	}
}

func (e *Engine) onSend(ctx context.Context, fsm *stateless.StateMachine, a *attempt) error {
	start := time.Now()
	res, err := e.post(ctx, a.content)
	observability.SendLatency.Observe(time.Since(start).Seconds())
	a.result = res

	switch {
	case err != nil:
		observability.Sends.WithLabelValues("transport_error", "0").Inc()
		a.failure = err
		return fsm.FireCtx(ctx, triggerErrored)
	case res.StatusCode == http.StatusUnauthorized:
		observability.Sends.WithLabelValues("unauthorized", "401").Inc()
		return fsm.FireCtx(ctx, triggerDenied)
	case res.StatusCode == http.StatusTooManyRequests:
		observability.Sends.WithLabelValues("rate_limited", "429").Inc()
		return fsm.FireCtx(ctx, triggerThrottled)
	case res.OK():
		observability.Sends.WithLabelValues("ok", strconv.Itoa(res.StatusCode)).Inc()
		return fsm.FireCtx(ctx, triggerDelivered)
	default:
		observability.Sends.WithLabelValues("error", strconv.Itoa(res.StatusCode)).Inc()
		a.failure = errors.New(res.ErrorMessage())
		return fsm.FireCtx(ctx, triggerErrored)
	}
}

// onThrottled sleeps exactly the server-mandated duration, then retries the
// same index. The index never advances here and nothing else is sent during
// the wait.
func (e *Engine) onThrottled(ctx context.Context, fsm *stateless.StateMachine, a *attempt) error {
	wait := a.result.RetryAfter
	if wait <= 0 {
		wait = e.RetryAfterFallback
	}
	observability.RateLimitWaits.Inc()
	e.logger().Info("destination throttled, waiting", "index", a.index, "wait", wait)
	if err := e.wait(ctx, wait); err != nil {
		return err
	}
	return fsm.FireCtx(ctx, triggerRetry)
}

// onDenied performs the single permitted refresh for this index. A second
// unauthorized response after a refresh means the credential itself is bad,
// not merely stale, and the run halts.
func (e *Engine) onDenied(ctx context.Context, fsm *stateless.StateMachine, a *attempt) error {
	if a.refreshed {
		a.fatal = &auth.Error{Reason: fmt.Sprintf("destination rejected a freshly refreshed token (message index %d)", a.index)}
		return fsm.FireCtx(ctx, triggerAuthFatal)
	}
	a.refreshed = true
	e.logger().Info("destination reported unauthorized, refreshing token", "index", a.index)
	if err := e.Tokens.Refresh(ctx); err != nil {
		observability.TokenRefreshes.WithLabelValues("error").Inc()
		a.fatal = err
		return fsm.FireCtx(ctx, triggerAuthFatal)
	}
	observability.TokenRefreshes.WithLabelValues("ok").Inc()
	return fsm.FireCtx(ctx, triggerRetry)
}

func (e *Engine) post(ctx context.Context, content string) (destination.SendResult, error) {
	call := func() (any, error) {
		return e.Sender.PostMessage(ctx, e.Tokens.Current(), content)
	}
	if e.Breaker == nil {
		v, err := call()
		if err != nil {
			return destination.SendResult{}, err
		}
		return v.(destination.SendResult), nil
	}
	v, err := e.Breaker.Execute(call)
	if err != nil {
		return destination.SendResult{}, err
	}
	return v.(destination.SendResult), nil
}

func (e *Engine) pace(ctx context.Context) error {
	if e.Pacer == nil {
		return ctx.Err()
	}
	return e.Pacer.Wait(ctx)
}

func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) summary() Summary {
	cp := e.Tracker.Checkpoint()
	return Summary{Posted: cp.Posted, Total: cp.Total, Errors: cp.Errors}
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
