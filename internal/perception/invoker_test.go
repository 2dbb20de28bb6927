package perception

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewplan/internal/config"
	"crewplan/internal/salvage"
	"crewplan/internal/usage"
)

// scriptedProvider returns canned replies in order; the last one repeats.
type scriptedProvider struct {
	mu    sync.Mutex
	steps []func(Call) (Reply, error)
	calls []Call
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Generate(_ context.Context, call Call) (Reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	i := len(p.calls) - 1
	if i >= len(p.steps) {
		i = len(p.steps) - 1
	}
	return p.steps[i](call)
}

func ok(text string) func(Call) (Reply, error) {
	return func(Call) (Reply, error) {
		return Reply{Text: text, FinishReason: "STOP", Usage: Usage{InputTokens: 10, OutputTokens: 5}}, nil
	}
}

func finish(reason, text string) func(Call) (Reply, error) {
	return func(Call) (Reply, error) { return Reply{Text: text, FinishReason: reason}, nil }
}

func fails(err error) func(Call) (Reply, error) {
	return func(Call) (Reply, error) { return Reply{}, err }
}

type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepLog) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

type attemptLog struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (a *attemptLog) RecordAttempt(_ context.Context, at Attempt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts = append(a.attempts, at)
}

func testProfiles() Profiles {
	cfg := config.DefaultConfig()
	cfg.Profiles = map[string]config.ProfileConfig{
		"counter":               {Model: "flash", MaxOutputTokens: 1000, MaxOutputCeil: 2000},
		"scheduler_and_staffer": {Model: "pro", MaxOutputTokens: 4000, MaxOutputCeil: 4000},
	}
	cfg.LLM.DefaultModel = "default-model"
	return ResolveProfiles(cfg)
}

func newTestInvoker(p Provider, sl *sleepLog, opts ...Option) *Invoker {
	base := []Option{WithSleep(sl.sleep), WithTimeouts(config.DefaultLLMTimeouts())}
	return NewInvoker(p, testProfiles(), append(base, opts...)...)
}

func TestResolveProfiles_UnknownRoleFallsBack(t *testing.T) {
	profiles := testProfiles()
	assert.Equal(t, "flash", profiles.For(RoleCounter).Model)
	fallback := profiles.For(Role("mystery"))
	assert.Equal(t, "default-model", fallback.Model)
	assert.Equal(t, DefaultTemperature, fallback.Temperature)
	assert.Equal(t, DefaultTopP, fallback.TopP)
}

func TestInvoke_SuccessFirstAttempt(t *testing.T) {
	p := &scriptedProvider{steps: []func(Call) (Reply, error){ok("```json\n{\"work_packages\": []}\n```")}}
	sl := &sleepLog{}
	tracker := usage.NewTracker("", nil)
	inv := newTestInvoker(p, sl, WithTracker(tracker))

	res := inv.Invoke(context.Background(), Request{Role: RoleCounter, Prompt: "{}", SystemInstruction: "sys"})
	require.True(t, res.Success, "err: %v", res.Err)
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "flash", res.ModelUsed)
	assert.Contains(t, res.Response.(map[string]any), "work_packages")
	assert.Empty(t, sl.delays)

	call := p.calls[0]
	assert.True(t, call.JSON)
	assert.Equal(t, 1000, call.MaxOutputTokens)
	assert.Equal(t, DefaultTemperature, call.Temperature)
	assert.Equal(t, int64(15), tracker.Totals().Total)
}

func TestInvoke_RetryBoundAlwaysRateLimited(t *testing.T) {
	p := &scriptedProvider{steps: []func(Call) (Reply, error){
		fails(&ProviderError{Provider: "scripted", StatusCode: 429, Message: "quota"}),
	}}
	sl := &sleepLog{}
	inv := newTestInvoker(p, sl)

	res := inv.Invoke(context.Background(), Request{Role: RoleCounter, Prompt: "{}", MaxRetries: 4})
	assert.False(t, res.Success)
	assert.Len(t, p.calls, 4)
	assert.Equal(t, 4, res.Attempts)

	var ie *InvocationError
	require.True(t, errors.As(res.Err, &ie))
	assert.Equal(t, KindRateLimited, ie.Kind)
	assert.Equal(t, 4, ie.Attempts)

	// 2^attempt backoff with a 1s base; no sleep after the final attempt.
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, sl.delays)
}

func TestInvoke_DefaultBudgetIsFive(t *testing.T) {
	p := &scriptedProvider{steps: []func(Call) (Reply, error){fails(errors.New("connection reset"))}}
	sl := &sleepLog{}
	res := newTestInvoker(p, sl).Invoke(context.Background(), Request{Role: RoleCounter, Prompt: "{}"})
	assert.False(t, res.Success)
	assert.Len(t, p.calls, DefaultMaxRetries)
	for _, d := range sl.delays {
		assert.Equal(t, 2*time.Second, d)
	}
}

func TestInvoke_ServerDelayIsCapped(t *testing.T) {
	p := &scriptedProvider{steps: []func(Call) (Reply, error){
		fails(&ProviderError{StatusCode: 429, RetryAfter: 5 * time.Minute}),
		ok(`{"a": 1}`),
	}}
	sl := &sleepLog{}
	res := newTestInvoker(p, sl).Invoke(context.Background(), Request{Role: RoleCounter, Prompt: "{}"})
	require.True(t, res.Success)
	assert.Equal(t, []time.Duration{60 * time.Second}, sl.delays)
}

func TestInvoke_ContentBlockMutatesRequest(t *testing.T) {
	p := &scriptedProvider{steps: []func(Call) (Reply, error){
		finish("RECITATION", ""),
		finish("3", ""),
		ok(`{"ok": true}`),
	}}
	sl := &sleepLog{}
	inv := newTestInvoker(p, sl)
	tokens := []string{"aaaa1111", "bbbb2222"}
	inv.newToken = func() string {
		tok := tokens[0]
		tokens = tokens[1:]
		return tok
	}

	res := inv.Invoke(context.Background(), Request{Role: RoleCounter, Prompt: "PROMPT", SystemInstruction: "SYSTEM"})
	require.True(t, res.Success)
	require.Len(t, p.calls, 3)

	assert.Equal(t, "PROMPT", p.calls[0].Prompt)
	for i, tok := range []string{"aaaa1111", "bbbb2222"} {
		c := p.calls[i+1]
		assert.True(t, strings.HasPrefix(c.Prompt, "PROMPT"))
		assert.True(t, strings.HasPrefix(c.SystemInstruction, "SYSTEM"))
		assert.Contains(t, c.Prompt, tok)
		assert.Contains(t, c.SystemInstruction, tok)
	}
	// Mutation always starts from the original request; tokens do not pile up.
	assert.NotContains(t, p.calls[2].Prompt, "aaaa1111")
}

func TestInvoke_TruncationGrowsOutputCap(t *testing.T) {
	p := &scriptedProvider{steps: []func(Call) (Reply, error){
		finish("MAX_TOKENS", `{"a": [1,`),
		finish("MAX_TOKENS", `{"a": [1, 2,`),
		ok(`{"a": [1, 2, 3]}`),
	}}
	sl := &sleepLog{}
	res := newTestInvoker(p, sl).Invoke(context.Background(), Request{Role: RoleCounter, Prompt: "{}"})
	require.True(t, res.Success)

	require.Len(t, p.calls, 3)
	assert.Equal(t, 1000, p.calls[0].MaxOutputTokens)
	assert.Equal(t, 1500, p.calls[1].MaxOutputTokens)
	assert.Equal(t, 2000, p.calls[2].MaxOutputTokens, "clamped to the profile ceiling")
}

func TestInvoke_TruncatedLastAttemptIsSalvaged(t *testing.T) {
	p := &scriptedProvider{steps: []func(Call) (Reply, error){
		finish("MAX_TOKENS", "{\"packages\": [\n{\"id\": 1},\n{\"id\": 2"),
	}}
	sl := &sleepLog{}
	res := newTestInvoker(p, sl).Invoke(context.Background(), Request{Role: RoleCounter, Prompt: "{}", MaxRetries: 2})
	require.True(t, res.Success, "err: %v", res.Err)
	assert.Equal(t, 2, res.Attempts)
}

func TestInvoke_MalformedIsRetriedAndKeepsRaw(t *testing.T) {
	p := &scriptedProvider{steps: []func(Call) (Reply, error){ok("I cannot produce JSON today.")}}
	sl := &sleepLog{}
	rec := &attemptLog{}
	res := newTestInvoker(p, sl, WithRecorder(rec)).Invoke(context.Background(), Request{Role: RoleCounter, Prompt: "{}", MaxRetries: 3})

	assert.False(t, res.Success)
	assert.Equal(t, "I cannot produce JSON today.", res.RawText)
	assert.Len(t, p.calls, 3)

	var ie *InvocationError
	require.True(t, errors.As(res.Err, &ie))
	assert.Equal(t, KindMalformed, ie.Kind)
	assert.True(t, errors.Is(res.Err, salvage.ErrUnparseable))

	require.Len(t, rec.attempts, 3)
	for i, at := range rec.attempts {
		assert.Equal(t, i+1, at.Number)
		assert.Equal(t, KindMalformed, at.Kind)
	}
}

func TestInvoke_ConfigurationErrorIsNotRetried(t *testing.T) {
	p := &scriptedProvider{steps: []func(Call) (Reply, error){fails(config.ErrMissingCredential)}}
	sl := &sleepLog{}
	res := newTestInvoker(p, sl).Invoke(context.Background(), Request{Role: RoleCounter, Prompt: "{}"})
	assert.False(t, res.Success)
	assert.Len(t, p.calls, 1)
	assert.True(t, errors.Is(res.Err, config.ErrMissingCredential))
}

func TestInvoke_CancelledDuringBackoff(t *testing.T) {
	p := &scriptedProvider{steps: []func(Call) (Reply, error){fails(errors.New("connection refused"))}}
	inv := NewInvoker(p, testProfiles(), WithSleep(func(context.Context, time.Duration) error {
		return context.Canceled
	}))
	res := inv.Invoke(context.Background(), Request{Role: RoleCounter, Prompt: "{}"})
	assert.False(t, res.Success)
	assert.Len(t, p.calls, 1)
	assert.True(t, errors.Is(res.Err, context.Canceled))
}

func TestInvoke_UnknownRoleUsesDefaultModel(t *testing.T) {
	p := &scriptedProvider{steps: []func(Call) (Reply, error){ok(`{}`)}}
	sl := &sleepLog{}
	res := newTestInvoker(p, sl).Invoke(context.Background(), Request{Role: Role("mystery"), Prompt: "{}"})
	require.True(t, res.Success)
	assert.Equal(t, "default-model", p.calls[0].Model)
}
