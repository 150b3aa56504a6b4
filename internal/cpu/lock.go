// lock.go - Recursive master-CPU lock.

package cpu

import (
	"sync"
)

// engineLock is a mutex that is safely re-acquirable by whatever token
// already holds it. The original emulator uses a genuinely recursive OS
// mutex for this (CoreCallbacks); Go's sync.Mutex has no notion of
// ownership, so this models the same contract a different way: the owner
// is any comparable value the caller supplies, and re-entrant Acquire calls
// presenting the same owner just bump a depth counter instead of blocking.
//
// Two kinds of owner are used in practice: a Unicorn engine instance, for
// CallFunction and Run (exactly one goroutine ever drives a given engine's
// Start() at a time, so the engine is a reliable stand-in for "the calling
// goroutine" across the translation hooks that fire synchronously during
// that call) and a throwaway token minted by WithMasterLock for call paths
// that need to hold the lock across pure guest-memory reads with no nested
// engine execution of their own.
type engineLock struct {
	mu    sync.Mutex
	owner any
	held  bool
	depth int
}

// Acquire locks on behalf of owner by. Re-entrant calls presenting the same
// owner just bump the depth counter.
func (l *engineLock) Acquire(by any) {
	if l.held && l.owner == by {
		l.depth++
		return
	}
	l.mu.Lock()
	l.owner = by
	l.held = true
	l.depth = 1
}

// Release undoes one Acquire. The underlying mutex is only unlocked once
// the depth returns to zero.
func (l *engineLock) Release(by any) {
	if !l.held || l.owner != by {
		return
	}
	l.depth--
	if l.depth == 0 {
		l.held = false
		l.mu.Unlock()
	}
}
