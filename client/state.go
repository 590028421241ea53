// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "sync/atomic"

// State represents the connection state.
type State uint32

// Connection states. A connection cycles Closed, Connecting, Open and back to
// Closed; an unexpected close moves it to Retrying until the countdown runs
// out. Terminated is final.
const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateRetrying
	StateTerminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateRetrying:
		return "retrying"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// stateManager handles atomic state transitions.
type stateManager struct {
	state uint32
}

func newStateManager() *stateManager {
	return &stateManager{state: uint32(StateClosed)}
}

func (sm *stateManager) get() State {
	return State(atomic.LoadUint32(&sm.state))
}

func (sm *stateManager) set(s State) {
	atomic.StoreUint32(&sm.state, uint32(s))
}

// transition attempts to transition from expected to new state.
// Returns true if successful.
func (sm *stateManager) transition(from, to State) bool {
	return atomic.CompareAndSwapUint32(&sm.state, uint32(from), uint32(to))
}

// transitionFrom attempts to transition from any of the expected states.
// Returns true if successful.
func (sm *stateManager) transitionFrom(to State, from ...State) bool {
	for _, f := range from {
		if sm.transition(f, to) {
			return true
		}
	}
	return false
}

func (sm *stateManager) isOpen() bool {
	return sm.get() == StateOpen
}

// canConnect returns true if a connection attempt is allowed.
func (sm *stateManager) canConnect() bool {
	s := sm.get()
	return s == StateClosed || s == StateRetrying
}

func (sm *stateManager) isTerminated() bool {
	return sm.get() == StateTerminated
}
