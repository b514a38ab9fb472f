package session

import (
	"fmt"
	"time"
)

// RetryPhase is a state of the identity-confirmation loop
type RetryPhase int

const (
	RetryIdle RetryPhase = iota
	RetryRefreshing
	RetryRequesting
	RetryBackingOff
	RetryExhausted
	RetrySucceeded
)

func (p RetryPhase) String() string {
	switch p {
	case RetryIdle:
		return "idle"
	case RetryRefreshing:
		return "refreshing"
	case RetryRequesting:
		return "requesting"
	case RetryBackingOff:
		return "backing_off"
	case RetryExhausted:
		return "exhausted"
	case RetrySucceeded:
		return "succeeded"
	default:
		return fmt.Sprintf("RetryPhase(%d)", int(p))
	}
}

// RetryEvent is an input to the loop
type RetryEvent int

const (
	EventStart RetryEvent = iota
	// EventRefreshed is delivered whether or not the refresh worked
	EventRefreshed
	EventRequestSucceeded
	EventRequestFailed
	EventWaited
)

// EffectKind is the side effect the caller must perform next
type EffectKind int

const (
	EffectNone EffectKind = iota
	EffectRefreshToken
	EffectSendRequest
	EffectWait
	EffectFallback
	EffectComplete
)

func (k EffectKind) String() string {
	switch k {
	case EffectNone:
		return "none"
	case EffectRefreshToken:
		return "refresh_token"
	case EffectSendRequest:
		return "send_request"
	case EffectWait:
		return "wait"
	case EffectFallback:
		return "fallback"
	case EffectComplete:
		return "complete"
	default:
		return fmt.Sprintf("EffectKind(%d)", int(k))
	}
}

// Effect is what Step asks the caller to do. Delay is set for EffectWait.
type Effect struct {
	Kind  EffectKind
	Delay time.Duration
}

// RetryState is the loop position. Attempt counts whoami requests, starting at 1.
type RetryState struct {
	Phase   RetryPhase
	Attempt int
}

// RetryPolicy bounds the loop
type RetryPolicy struct {
	MaxAttempts int
	// BaseDelay is multiplied by the number of the attempt that just failed
	BaseDelay time.Duration
	// RefreshBeforeAttempt is the only retry preceded by a token refresh
	RefreshBeforeAttempt int
}

// DefaultRetryPolicy is three attempts, 500ms·i backoff, refresh before attempt 2.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:          3,
		BaseDelay:            500 * time.Millisecond,
		RefreshBeforeAttempt: 2,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	return p
}

// Backoff returns the wait after the given failed attempt
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(attempt)
}

// Step advances the loop. It is pure: events that make no sense in the current
// phase leave the state unchanged and yield EffectNone.
func Step(s RetryState, ev RetryEvent, policy RetryPolicy) (RetryState, Effect) {
	policy = policy.normalized()

	switch s.Phase {
	case RetryIdle:
		if ev == EventStart {
			return RetryState{Phase: RetryRefreshing, Attempt: 1}, Effect{Kind: EffectRefreshToken}
		}
	case RetryRefreshing:
		if ev == EventRefreshed {
			return RetryState{Phase: RetryRequesting, Attempt: s.Attempt}, Effect{Kind: EffectSendRequest}
		}
	case RetryRequesting:
		switch ev {
		case EventRequestSucceeded:
			return RetryState{Phase: RetrySucceeded, Attempt: s.Attempt}, Effect{Kind: EffectComplete}
		case EventRequestFailed:
			if s.Attempt >= policy.MaxAttempts {
				return RetryState{Phase: RetryExhausted, Attempt: s.Attempt}, Effect{Kind: EffectFallback}
			}
			return RetryState{Phase: RetryBackingOff, Attempt: s.Attempt},
				Effect{Kind: EffectWait, Delay: policy.Backoff(s.Attempt)}
		}
	case RetryBackingOff:
		if ev == EventWaited {
			next := s.Attempt + 1
			if next == policy.RefreshBeforeAttempt {
				return RetryState{Phase: RetryRefreshing, Attempt: next}, Effect{Kind: EffectRefreshToken}
			}
			return RetryState{Phase: RetryRequesting, Attempt: next}, Effect{Kind: EffectSendRequest}
		}
	}
	return s, Effect{Kind: EffectNone}
}
