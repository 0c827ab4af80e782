package process

import (
	"time"
)

// ProcessState represents the state of a process in the system.
type ProcessState string

const (
	// StateNew indicates the process has been allocated but not started.
	StateNew ProcessState = "new"
	// StateRunning indicates the process has a thread.
	StateRunning ProcessState = "running"
	// StateZombie indicates the process has exited and its status is pending.
	StateZombie ProcessState = "zombie"
)

// StateTransition represents a valid state transition.
type StateTransition struct {
	From ProcessState
	To   ProcessState
}

// ValidTransitions defines all valid state transitions.
var ValidTransitions = []StateTransition{
	// Thread started: New -> Running
	{From: StateNew, To: StateRunning},
	// Exit: Running -> Zombie
	{From: StateRunning, To: StateZombie},
}

// IsValidTransition checks if a state transition is valid.
func IsValidTransition(from, to ProcessState) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// transition moves p to a new state. Callers hold p.mu.
func (p *Process) transition(to ProcessState) {
	if !IsValidTransition(p.state, to) {
		panic("process: invalid state transition " + string(p.state) + " -> " + string(to))
	}
	p.state = to

	switch to {
	case StateRunning:
		p.startedAt = time.Now()
	case StateZombie:
		p.finishedAt = time.Now()
	}
}

// State returns the current process state.
func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Lifetime returns how long the process ran, or has run so far.
func (p *Process) Lifetime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateNew:
		return 0
	case StateZombie:
		return p.finishedAt.Sub(p.startedAt)
	default:
		return time.Since(p.startedAt)
	}
}
