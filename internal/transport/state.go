package transport

import (
	"sync"
)

// State is a step of the per-session lifecycle.
type State string

const (
	StateIdle               State = "idle"
	StateConnecting         State = "connecting"
	StateStreaming          State = "streaming"
	StateCompleted          State = "completed"
	StateAbortedByTimeout   State = "aborted-by-timeout"
	StateAbortedByError     State = "aborted-by-error"
	StateRecoveryConnecting State = "recovery-connecting"
	StateRecoveryClearSent  State = "recovery-clear-sent"
	StateClosed             State = "closed"
)

var transitions = map[State][]State{
	StateIdle:               {StateConnecting, StateAbortedByTimeout},
	StateConnecting:         {StateStreaming, StateAbortedByTimeout, StateAbortedByError},
	StateStreaming:          {StateCompleted, StateAbortedByTimeout, StateAbortedByError},
	StateCompleted:          {StateClosed},
	StateAbortedByError:     {StateClosed},
	StateAbortedByTimeout:   {StateRecoveryConnecting},
	StateRecoveryConnecting: {StateRecoveryClearSent, StateClosed},
	StateRecoveryClearSent:  {StateClosed},
}

// CanTransition reports whether from → to is a legal step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateClosed }

// tracker records the state history of one supervised session. It is shared
// by the supervisor and its transport unit, so late transitions attempted by
// a unit that has already been abandoned are simply refused.
type tracker struct {
	mu      sync.Mutex
	current State
	history []State
	notify  func(State)
}

func newTracker(notify func(State)) *tracker {
	return &tracker{current: StateIdle, history: []State{StateIdle}, notify: notify}
}

// to moves to next if the transition is legal and reports whether it did.
func (t *tracker) to(next State) bool {
	t.mu.Lock()
	if !CanTransition(t.current, next) {
		t.mu.Unlock()
		return false
	}
	t.current = next
	t.history = append(t.history, next)
	notify := t.notify
	t.mu.Unlock()

	if notify != nil {
		notify(next)
	}
	return true
}

func (t *tracker) state() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *tracker) states() []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]State(nil), t.history...)
}
