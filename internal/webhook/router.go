package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	gh "github.com/google/go-github/v68/github"

	"github.com/donaldgifford/stapsher/internal/apperr"
	"github.com/donaldgifford/stapsher/internal/metrics"
)

// Event is one inbound webhook delivery as received.
type Event struct {
	Name       string
	DeliveryID string
	Payload    []byte
	Signature  string
}

// Delivery is what a registered handler receives once an event has passed
// every check. Payload holds the go-github event type for Name, for example
// *github.PullRequestEvent.
type Delivery struct {
	Name       string
	DeliveryID string
	Payload    any
}

// HandlerFunc handles one verified delivery.
type HandlerFunc func(ctx context.Context, d *Delivery) error

// Result reports what Dispatch did with an event.
type Result struct {
	Handled bool
}

// Router validates inbound events and dispatches them to the handler
// registered for the event name.
type Router struct {
	verifier *Verifier
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRouter creates a Router that checks signatures with verifier.
func NewRouter(verifier *Verifier, logger *slog.Logger) *Router {
	return &Router{
		verifier: verifier,
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register sets the handler for an event name, replacing any previous one.
func (r *Router) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[name] = fn
}

// Dispatch checks, in order, that the event has a name, has a payload and
// carries a valid signature, then runs the handler registered for the name.
// Events without a handler are acknowledged with Handled false. A handler
// error or panic is returned as WEBHOOK_HANDLER_ERROR.
func (r *Router) Dispatch(ctx context.Context, ev Event) (Result, error) {
	const op = "dispatch webhook"

	name := strings.TrimSpace(ev.Name)

	switch {
	case name == "":
		return Result{}, r.reject(name, apperr.Errorf(apperr.MissingEventName, op, "delivery %q has no event name", ev.DeliveryID))
	case len(ev.Payload) == 0:
		return Result{}, r.reject(name, apperr.Errorf(apperr.MissingEventPayload, op, "%s delivery %q has no payload", name, ev.DeliveryID))
	case !r.verifier.Verify(ev.Payload, ev.Signature):
		return Result{}, r.reject(name, apperr.Errorf(apperr.SignatureVerificationFailed, op, "%s delivery %q", name, ev.DeliveryID))
	}

	metrics.WebhookReceivedTotal.WithLabelValues(name).Inc()

	log := r.logger.With("event", name, "delivery_id", ev.DeliveryID)

	r.mu.RLock()
	fn, ok := r.handlers[name]
	r.mu.RUnlock()

	if !ok {
		log.Debug("ignoring unhandled event type")
		metrics.WebhookDispatchTotal.WithLabelValues(name, "ignored").Inc()

		return Result{Handled: false}, nil
	}

	payload, err := gh.ParseWebHook(name, ev.Payload)
	if err != nil {
		return Result{}, r.reject(name, apperr.New(apperr.WebhookHandlerError, op, fmt.Errorf("parsing %s payload: %w", name, err)))
	}

	d := &Delivery{Name: name, DeliveryID: ev.DeliveryID, Payload: payload}

	if err := invoke(ctx, fn, d); err != nil {
		log.Error("webhook handler failed", "error", err, "cause_code", causeCode(err))
		return Result{}, r.reject(name, apperr.New(apperr.WebhookHandlerError, op, err))
	}

	metrics.WebhookDispatchTotal.WithLabelValues(name, "handled").Inc()

	return Result{Handled: true}, nil
}

func (r *Router) reject(name string, err *apperr.Error) error {
	if name == "" {
		name = "unknown"
	}

	metrics.WebhookDispatchTotal.WithLabelValues(name, string(err.Code)).Inc()
	metrics.ErrorsTotal.WithLabelValues(string(err.Code)).Inc()

	return err
}

// invoke runs fn, turning a panic into an error.
func invoke(ctx context.Context, fn HandlerFunc, d *Delivery) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v\n%s", p, debug.Stack())
		}
	}()

	return fn(ctx, d)
}

// causeCode returns the code of a classified handler error, if any.
func causeCode(err error) apperr.Code {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Code
	}

	return ""
}
