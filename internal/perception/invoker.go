// Package perception is the resilient invocation layer: it selects a model per
// role, calls the provider, classifies the outcome and retries with backoff or
// request mutation until a reply salvages into structured data.
package perception

import (
	"context"
	"fmt"
	"time"

	"crewplan/internal/config"
	"crewplan/internal/logging"
	"crewplan/internal/salvage"
	"crewplan/internal/usage"
)

// DefaultMaxRetries is the attempt budget when a Request leaves MaxRetries unset.
const DefaultMaxRetries = 5

// Request is one logical invocation.
type Request struct {
	Role              Role
	Prompt            string
	SystemInstruction string
	MaxRetries        int // total attempts; 0 means the invoker default
}

// InvocationResult is the outcome of Invoke. Err is set iff !Success.
type InvocationResult struct {
	Success   bool
	Response  any
	RawText   string
	ModelUsed string
	Usage     Usage
	Attempts  int
	Err       error
}

// InvocationError is returned once the attempt budget is spent, or
// immediately for configuration errors.
type InvocationError struct {
	Kind     ErrorKind
	Attempts int
	Err      error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invocation failed after %d attempt(s): %s: %v", e.Attempts, e.Kind, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Attempt describes one provider call, reported to an AttemptRecorder.
type Attempt struct {
	Role            Role
	Model           string
	Number          int
	Kind            ErrorKind
	MaxOutputTokens int
	Duration        time.Duration
	Usage           Usage
	Err             error
}

// AttemptRecorder receives every attempt. Implementations must be safe for
// concurrent use; batches may invoke in parallel.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, a Attempt)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures an Invoker.
type Option func(*Invoker)

// WithSleep replaces the backoff sleeper. Tests pass a no-op.
func WithSleep(fn SleepFunc) Option {
	return func(inv *Invoker) { inv.sleep = fn }
}

// WithTracker records token usage per attempt.
func WithTracker(t *usage.Tracker) Option {
	return func(inv *Invoker) { inv.tracker = t }
}

// WithRecorder reports every attempt to r.
func WithRecorder(r AttemptRecorder) Option {
	return func(inv *Invoker) { inv.recorder = r }
}

// WithTimeouts overrides per-call timeout and backoff timing.
func WithTimeouts(t config.LLMTimeouts) Option {
	return func(inv *Invoker) { inv.timeouts = t }
}

// WithSalvage replaces the default salvage engine.
func WithSalvage(e *salvage.Engine) Option {
	return func(inv *Invoker) { inv.salvage = e }
}

// WithDefaultMaxRetries sets the budget used when a Request has none.
func WithDefaultMaxRetries(n int) Option {
	return func(inv *Invoker) {
		if n > 0 {
			inv.maxRetries = n
		}
	}
}

// Invoker wraps a Provider with the retry policy.
type Invoker struct {
	provider   Provider
	profiles   Profiles
	timeouts   config.LLMTimeouts
	maxRetries int
	sleep      SleepFunc
	tracker    *usage.Tracker
	recorder   AttemptRecorder
	salvage    *salvage.Engine
	newToken   func() string
}

// NewInvoker creates an invoker for provider using the resolved profiles.
func NewInvoker(provider Provider, profiles Profiles, opts ...Option) *Invoker {
	inv := &Invoker{
		provider:   provider,
		profiles:   profiles,
		timeouts:   config.DefaultLLMTimeouts(),
		maxRetries: DefaultMaxRetries,
		sleep:      sleepContext,
		salvage:    salvage.NewEngine(),
		newToken:   newSessionToken,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

// Invoke runs req through the retry policy. It never panics on provider
// failures; every failure is reported through InvocationResult.Err.
func (inv *Invoker) Invoke(ctx context.Context, req Request) InvocationResult {
	profile := inv.profiles.For(req.Role)
	if !req.Role.Valid() {
		logging.APIWarn("unknown role %q, using default model %s", req.Role, profile.Model)
	}

	maxAttempts := req.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = inv.maxRetries
	}

	base := Call{
		Model:             profile.Model,
		SystemInstruction: req.SystemInstruction,
		Prompt:            req.Prompt,
		Temperature:       profile.Temperature,
		TopP:              profile.TopP,
		MaxOutputTokens:   profile.MaxOutputTokens,
		JSON:              true,
	}
	call := base

	timer := logging.StartTimer(logging.CategoryAPI, fmt.Sprintf("invoke %s", req.Role))
	defer timer.Stop()

	var (
		lastKind ErrorKind
		lastErr  error
		lastRaw  string
		total    Usage
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		reply, err := inv.generate(ctx, call)
		elapsed := time.Since(start)

		total.InputTokens += reply.Usage.InputTokens
		total.OutputTokens += reply.Usage.OutputTokens
		if reply.Usage.InputTokens > 0 || reply.Usage.OutputTokens > 0 {
			inv.tracker.Track(ctx, usage.Event{
				Model:        call.Model,
				Role:         string(req.Role),
				InputTokens:  reply.Usage.InputTokens,
				OutputTokens: reply.Usage.OutputTokens,
			})
		}

		model := call.Model
		if reply.Model != "" {
			model = reply.Model
		}
		if reply.Text != "" {
			lastRaw = reply.Text
		}

		out := Classify(reply, err)
		kind := out.Kind
		var parsed any

		switch out.Kind {
		case KindOK:
			parsed, err = inv.salvage.Salvage(out.Text)
			if err != nil {
				kind = KindMalformed
				out.Err = err
			}
		case KindTruncated:
			// A truncated reply on the last attempt is still worth salvaging.
			if attempt == maxAttempts && out.Text != "" {
				if v, serr := inv.salvage.Salvage(out.Text); serr == nil {
					parsed, kind = v, KindOK
				}
			}
			if kind != KindOK {
				out.Err = fmt.Errorf("output truncated at %d tokens", call.MaxOutputTokens)
			}
		case KindContentBlocked:
			out.Err = fmt.Errorf("content blocked (%s)", out.BlockKind)
		case KindEmptyResponse:
			out.Err = fmt.Errorf("empty response (finish reason %q)", reply.FinishReason)
		}

		inv.record(ctx, Attempt{
			Role:            req.Role,
			Model:           model,
			Number:          attempt,
			Kind:            kind,
			MaxOutputTokens: call.MaxOutputTokens,
			Duration:        elapsed,
			Usage:           reply.Usage,
			Err:             out.Err,
		})

		if kind == KindOK {
			logging.API("role=%s model=%s attempt=%d/%d ok in %v", req.Role, model, attempt, maxAttempts, elapsed)
			return InvocationResult{
				Success:   true,
				Response:  parsed,
				RawText:   out.Text,
				ModelUsed: model,
				Usage:     total,
				Attempts:  attempt,
			}
		}

		lastKind, lastErr = kind, out.Err
		logging.APIWarn("role=%s model=%s attempt=%d/%d %s: %v", req.Role, model, attempt, maxAttempts, kind, out.Err)

		if kind == KindConfiguration {
			return inv.fail(req, model, lastRaw, total, attempt, lastKind, lastErr)
		}
		if attempt == maxAttempts {
			return inv.fail(req, model, lastRaw, total, attempt, lastKind, lastErr)
		}

		var delay time.Duration
		switch kind {
		case KindRateLimited:
			delay = inv.rateLimitDelay(attempt, out.RetryAfter)
		case KindContentBlocked:
			call = mutateCall(base, inv.newToken()).withOutputCap(call.MaxOutputTokens)
		case KindTruncated:
			call.MaxOutputTokens = growOutputCap(call.MaxOutputTokens, profile.MaxOutputCeiling)
		default:
			delay = inv.timeouts.TransportRetryDelay
		}

		if delay > 0 {
			logging.APIDebug("role=%s sleeping %v before attempt %d", req.Role, delay, attempt+1)
		}
		if err := inv.sleep(ctx, delay); err != nil {
			return inv.fail(req, model, lastRaw, total, attempt, lastKind, err)
		}
	}

	return inv.fail(req, profile.Model, lastRaw, total, 0, lastKind, lastErr)
}

func (c Call) withOutputCap(n int) Call {
	c.MaxOutputTokens = n
	return c
}

func (inv *Invoker) generate(ctx context.Context, call Call) (Reply, error) {
	if inv.timeouts.PerCallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.timeouts.PerCallTimeout)
		defer cancel()
	}
	return inv.provider.Generate(ctx, call)
}

// rateLimitDelay prefers the server's suggestion, else 2^attempt times the
// backoff base. Both are capped by RetryBackoffMax.
func (inv *Invoker) rateLimitDelay(attempt int, suggested time.Duration) time.Duration {
	delay := suggested
	if delay <= 0 {
		shift := attempt
		if shift > 30 {
			shift = 30
		}
		delay = inv.timeouts.RetryBackoffBase * time.Duration(1<<uint(shift))
	}
	if ceiling := inv.timeouts.RetryBackoffMax; ceiling > 0 && delay > ceiling {
		delay = ceiling
	}
	return delay
}

func (inv *Invoker) record(ctx context.Context, a Attempt) {
	if inv.recorder != nil {
		inv.recorder.RecordAttempt(ctx, a)
	}
}

func (inv *Invoker) fail(req Request, model, raw string, total Usage, attempts int, kind ErrorKind, err error) InvocationResult {
	logging.APIError("role=%s gave up after %d attempt(s): %s: %v", req.Role, attempts, kind, err)
	return InvocationResult{
		RawText:   raw,
		ModelUsed: model,
		Usage:     total,
		Attempts:  attempts,
		Err:       &InvocationError{Kind: kind, Attempts: attempts, Err: err},
	}
}
