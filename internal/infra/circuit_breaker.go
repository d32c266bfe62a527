package infra

import (
	"sync"
	"time"
)

// ── Source circuit ────────────────────────────────────────────────────────────
// Tracks the health of the remote pricing API for one source.
//
// States (derived from lastFailureAt and a fixed cool-down):
//   - Closed:    no recent failure, the remote tier is preferred
//   - Open:      failed within the cool-down window, remote tier is skipped
//   - Half-Open: cool-down elapsed, one trial request is allowed through
//
// Independently of the tri-state, a demoting failure (auth, 5xx, exhausted
// transport retries) pins the preferred tier to the persistent store until
// Reset is called.

// CBState represents the current circuit state.
type CBState int

const (
	CBClosed   CBState = iota // normal, requests flow
	CBOpen                    // tripped, skip the remote tier
	CBHalfOpen                // probing, one request allowed
)

// String returns a human-readable state name (for health endpoints / logs).
func (s CBState) String() string {
	switch s {
	case CBClosed:
		return "closed"
	case CBOpen:
		return "open"
	case CBHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Tier identifies a data source tier in fallback order.
type Tier int

const (
	TierCache Tier = iota
	TierRemoteAPI
	TierPersistent
	TierMemory
)

func (t Tier) String() string {
	switch t {
	case TierCache:
		return "cache"
	case TierRemoteAPI:
		return "api"
	case TierPersistent:
		return "database"
	case TierMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// SourceCircuit is safe for concurrent use. Updates are plain scalar writes
// under a mutex; the lock is never held across I/O.
type SourceCircuit struct {
	mu            sync.Mutex
	cooldown      time.Duration
	lastFailureAt time.Time
	probing       bool
	demoted       bool
	demotedReason string
	now           func() time.Time
}

// NewSourceCircuit creates a circuit in Closed state.
func NewSourceCircuit(cooldown time.Duration) *SourceCircuit {
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &SourceCircuit{cooldown: cooldown, now: time.Now}
}

// State derives the tri-state from the last failure timestamp.
func (c *SourceCircuit) State() CBState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *SourceCircuit) stateLocked() CBState {
	if c.lastFailureAt.IsZero() {
		return CBClosed
	}
	if c.now().Sub(c.lastFailureAt) < c.cooldown {
		return CBOpen
	}
	return CBHalfOpen
}

// Allow reports whether the remote tier may be called now. In Half-Open only
// one caller at a time gets the trial call.
func (c *SourceCircuit) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.demoted {
		return false
	}
	switch c.stateLocked() {
	case CBClosed:
		return true
	case CBHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	default:
		return false
	}
}

// RecordSuccess closes the circuit.
func (c *SourceCircuit) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFailureAt = time.Time{}
	c.probing = false
}

// RecordFailure stamps lastFailureAt, opening the circuit for the cool-down.
// demote pins the preferred tier to the persistent store until Reset.
func (c *SourceCircuit) RecordFailure(demote bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFailureAt = c.now()
	c.probing = false
	if demote {
		c.demoted = true
		c.demotedReason = reason
	}
}

// Reset clears failure history and demotion.
func (c *SourceCircuit) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFailureAt = time.Time{}
	c.probing = false
	c.demoted = false
	c.demotedReason = ""
}

// Preferred is the tier the coordinator should try first after the cache.
func (c *SourceCircuit) Preferred() Tier {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.demoted {
		return TierPersistent
	}
	return TierRemoteAPI
}

// CircuitSnapshot is a read-only view for status endpoints.
type CircuitSnapshot struct {
	State         string     `json:"state"`
	Demoted       bool       `json:"demoted"`
	DemotedReason string     `json:"demoted_reason,omitempty"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	Preferred     string     `json:"preferred_tier"`
}

// Snapshot returns the current circuit view.
func (c *SourceCircuit) Snapshot() CircuitSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := CircuitSnapshot{
		State:         c.stateLocked().String(),
		Demoted:       c.demoted,
		DemotedReason: c.demotedReason,
		Preferred:     TierRemoteAPI.String(),
	}
	if c.demoted {
		s.Preferred = TierPersistent.String()
	}
	if !c.lastFailureAt.IsZero() {
		t := c.lastFailureAt
		s.LastFailureAt = &t
	}
	return s
}
