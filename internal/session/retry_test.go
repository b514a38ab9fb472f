package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStep(t *testing.T) {
	policy := DefaultRetryPolicy()

	tests := []struct {
		name       string
		state      RetryState
		event      RetryEvent
		wantState  RetryState
		wantEffect Effect
	}{
		{
			name:       "start refreshes before the first request",
			state:      RetryState{Phase: RetryIdle},
			event:      EventStart,
			wantState:  RetryState{Phase: RetryRefreshing, Attempt: 1},
			wantEffect: Effect{Kind: EffectRefreshToken},
		},
		{
			name:       "refreshed sends the request",
			state:      RetryState{Phase: RetryRefreshing, Attempt: 1},
			event:      EventRefreshed,
			wantState:  RetryState{Phase: RetryRequesting, Attempt: 1},
			wantEffect: Effect{Kind: EffectSendRequest},
		},
		{
			name:       "success completes",
			state:      RetryState{Phase: RetryRequesting, Attempt: 2},
			event:      EventRequestSucceeded,
			wantState:  RetryState{Phase: RetrySucceeded, Attempt: 2},
			wantEffect: Effect{Kind: EffectComplete},
		},
		{
			name:       "first failure backs off linearly",
			state:      RetryState{Phase: RetryRequesting, Attempt: 1},
			event:      EventRequestFailed,
			wantState:  RetryState{Phase: RetryBackingOff, Attempt: 1},
			wantEffect: Effect{Kind: EffectWait, Delay: 500 * time.Millisecond},
		},
		{
			name:       "second failure waits longer",
			state:      RetryState{Phase: RetryRequesting, Attempt: 2},
			event:      EventRequestFailed,
			wantState:  RetryState{Phase: RetryBackingOff, Attempt: 2},
			wantEffect: Effect{Kind: EffectWait, Delay: time.Second},
		},
		{
			name:       "last failure falls back",
			state:      RetryState{Phase: RetryRequesting, Attempt: 3},
			event:      EventRequestFailed,
			wantState:  RetryState{Phase: RetryExhausted, Attempt: 3},
			wantEffect: Effect{Kind: EffectFallback},
		},
		{
			name:       "token is refreshed before attempt two",
			state:      RetryState{Phase: RetryBackingOff, Attempt: 1},
			event:      EventWaited,
			wantState:  RetryState{Phase: RetryRefreshing, Attempt: 2},
			wantEffect: Effect{Kind: EffectRefreshToken},
		},
		{
			name:       "attempt three goes straight to the request",
			state:      RetryState{Phase: RetryBackingOff, Attempt: 2},
			event:      EventWaited,
			wantState:  RetryState{Phase: RetryRequesting, Attempt: 3},
			wantEffect: Effect{Kind: EffectSendRequest},
		},
		{
			name:       "unexpected event is ignored",
			state:      RetryState{Phase: RetryBackingOff, Attempt: 1},
			event:      EventRequestSucceeded,
			wantState:  RetryState{Phase: RetryBackingOff, Attempt: 1},
			wantEffect: Effect{Kind: EffectNone},
		},
		{
			name:       "terminal phases stay put",
			state:      RetryState{Phase: RetryExhausted, Attempt: 3},
			event:      EventStart,
			wantState:  RetryState{Phase: RetryExhausted, Attempt: 3},
			wantEffect: Effect{Kind: EffectNone},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, effect := Step(tt.state, tt.event, policy)
			assert.Equal(t, tt.wantState, state)
			assert.Equal(t, tt.wantEffect, effect)
		})
	}
}

// drive runs the machine against a request outcome script and returns the effect trace
func drive(policy RetryPolicy, outcomes []bool) []Effect {
	var trace []Effect
	st, eff := Step(RetryState{}, EventStart, policy)
	for i := 0; i < 32; i++ {
		trace = append(trace, eff)
		switch eff.Kind {
		case EffectRefreshToken:
			st, eff = Step(st, EventRefreshed, policy)
		case EffectSendRequest:
			ok := len(outcomes) > 0 && outcomes[0]
			if len(outcomes) > 0 {
				outcomes = outcomes[1:]
			}
			if ok {
				st, eff = Step(st, EventRequestSucceeded, policy)
			} else {
				st, eff = Step(st, EventRequestFailed, policy)
			}
		case EffectWait:
			st, eff = Step(st, EventWaited, policy)
		default:
			return trace
		}
	}
	return trace
}

func TestStepTraces(t *testing.T) {
	refresh := Effect{Kind: EffectRefreshToken}
	send := Effect{Kind: EffectSendRequest}
	wait := func(d time.Duration) Effect { return Effect{Kind: EffectWait, Delay: d} }

	t.Run("always failing", func(t *testing.T) {
		trace := drive(DefaultRetryPolicy(), nil)
		assert.Equal(t, []Effect{
			refresh, send, wait(500 * time.Millisecond),
			refresh, send, wait(time.Second),
			send, {Kind: EffectFallback},
		}, trace)
	})

	t.Run("second attempt succeeds", func(t *testing.T) {
		trace := drive(DefaultRetryPolicy(), []bool{false, true})
		assert.Equal(t, []Effect{
			refresh, send, wait(500 * time.Millisecond),
			refresh, send, {Kind: EffectComplete},
		}, trace)
	})

	t.Run("zero attempts is treated as one", func(t *testing.T) {
		trace := drive(RetryPolicy{}, nil)
		assert.Equal(t, []Effect{refresh, send, {Kind: EffectFallback}}, trace)
	})

	t.Run("longer policy refreshes only once", func(t *testing.T) {
		trace := drive(RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, RefreshBeforeAttempt: 2}, nil)
		refreshes := 0
		for _, e := range trace {
			if e.Kind == EffectRefreshToken {
				refreshes++
			}
		}
		assert.Equal(t, 2, refreshes)
		assert.Equal(t, wait(4*time.Millisecond), trace[len(trace)-3])
	})
}

func TestPhaseStrings(t *testing.T) {
	assert.Equal(t, "backing_off", RetryBackingOff.String())
	assert.Equal(t, "fallback", EffectFallback.String())
	assert.Equal(t, "RetryPhase(42)", RetryPhase(42).String())
}
