package state

import (
	"errors"
	"fmt"
	"sync"
)

// Status 连接状态
type Status string

const (
	Disconnected Status = "disconnected"
	Connecting   Status = "connecting"
	Connected    Status = "connected"
	Reconnecting Status = "reconnecting"
	Terminal     Status = "terminal"
)

var statusOrder = []Status{Disconnected, Connecting, Connected, Reconnecting, Terminal}

// Index is the position of the status in declaration order, used as a gauge value.
func (s Status) Index() int {
	for i, st := range statusOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// 状态机接口
type StateMachine interface {
	ChangeState(to Status) error
	GetCurrentState() Status
	AddTransition(from Status, to Status, condition func() bool) error
}

// ErrTransitionNotAllowed is returned when a state transition is not allowed.
var ErrTransitionNotAllowed = errors.New("state transition not allowed")

// TransitionFunc observes a completed transition.
type TransitionFunc func(from, to Status)

// BaseStateMachine only permits transitions registered with AddTransition.
// Changing to the current state is a no-op.
type BaseStateMachine struct {
	currentState Status
	transitions  map[Status]map[Status]func() bool // fromState -> toState -> condition
	listeners    []TransitionFunc
	mutex        sync.RWMutex
}

func NewBaseStateMachine(initialState Status) *BaseStateMachine {
	return &BaseStateMachine{
		currentState: initialState,
		transitions:  make(map[Status]map[Status]func() bool),
	}
}

// NewConnectionMachine returns a machine in Disconnected with the connection
// lifecycle transitions registered.
func NewConnectionMachine() *BaseStateMachine {
	sm := NewBaseStateMachine(Disconnected)
	for from, targets := range map[Status][]Status{
		Disconnected: {Connecting, Terminal},
		Connecting:   {Connecting, Connected, Reconnecting, Terminal},
		Connected:    {Connecting, Reconnecting, Terminal},
		Reconnecting: {Connecting, Terminal},
		Terminal:     {Connecting},
	} {
		for _, to := range targets {
			_ = sm.AddTransition(from, to, nil)
		}
	}
	return sm
}

func (sm *BaseStateMachine) ChangeState(newState Status) error {
	sm.mutex.Lock()
	current := sm.currentState
	if current == newState {
		sm.mutex.Unlock()
		return nil
	}

	conditions, exists := sm.transitions[current]
	if !exists {
		sm.mutex.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrTransitionNotAllowed, current, newState)
	}
	condition, exists := conditions[newState]
	if !exists || (condition != nil && !condition()) {
		sm.mutex.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrTransitionNotAllowed, current, newState)
	}

	sm.currentState = newState
	listeners := append([]TransitionFunc(nil), sm.listeners...)
	sm.mutex.Unlock()

	for _, fn := range listeners {
		fn(current, newState)
	}
	return nil
}

func (sm *BaseStateMachine) GetCurrentState() Status {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.currentState
}

func (sm *BaseStateMachine) AddTransition(from Status, to Status, condition func() bool) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if _, exists := sm.transitions[from]; !exists {
		sm.transitions[from] = make(map[Status]func() bool)
	}

	sm.transitions[from][to] = condition
	return nil
}

// OnTransition registers fn to run after every successful transition.
func (sm *BaseStateMachine) OnTransition(fn TransitionFunc) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.listeners = append(sm.listeners, fn)
}
