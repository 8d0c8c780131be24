// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package straggler implements the round's straggler-cutoff policies
// (spec §4.3): a one-shot timer variant that re-enters the coordinator
// on expiry, and a callback-less quorum-percentage variant.
package straggler

import (
	"sync"
	"time"
)

// Policy is the capability set the round state machine depends on.
// CutoffTime and Percentage both satisfy it.
type Policy interface {
	// StartPolicy arms the policy for a new round. callback is invoked
	// (possibly on another goroutine) when the policy independently
	// decides the round should end; Percentage never calls it.
	StartPolicy(callback func())
	// ResetPolicyForRound cancels any pending timer without firing it.
	ResetPolicyForRound()
	// StragglerCutoffCheck reports whether enough collaborators have
	// reported to end the round early.
	StragglerCutoffCheck(done, total int) bool
}

// Disabled is the straggler_cutoff_time sentinel meaning "never fire",
// the Go analogue of the Python implementation's np.inf.
const Disabled time.Duration = -1

// MinimumCutoffSeconds is the floor below which a configured cutoff is
// clamped (matches CutoffTimeBasedStragglerHandling.MINIMUM_CUTOFF_SECONDS).
const MinimumCutoffSeconds = 20 * time.Second

// CutoffTime arms a one-shot timer when tasks are first dispatched for a
// round; StragglerCutoffCheck returns true once that timer has fired and
// at least minimumReporting collaborators have reported.
type CutoffTime struct {
	mu sync.Mutex

	minClamp         time.Duration
	cutoff           time.Duration
	minimumReporting int

	roundStart time.Time
	timer      *time.Timer
	callback   func()
	expired    bool
}

// NewCutoffTime constructs a CutoffTime policy. cutoff is clamped to
// MinimumCutoffSeconds unless it is Disabled.
func NewCutoffTime(cutoff time.Duration, minimumReporting int) *CutoffTime {
	return newCutoffTime(cutoff, minimumReporting, MinimumCutoffSeconds)
}

// newCutoffTime is the unexported constructor that lets tests substitute
// a smaller clamp floor so they don't have to wait out a real 20s timer.
func newCutoffTime(cutoff time.Duration, minimumReporting int, minClamp time.Duration) *CutoffTime {
	c := &CutoffTime{minimumReporting: minimumReporting, minClamp: minClamp}
	c.setCutoffLocked(cutoff)
	return c
}

func (c *CutoffTime) setCutoffLocked(cutoff time.Duration) {
	if cutoff == Disabled {
		c.cutoff = Disabled
		return
	}
	if cutoff < c.minClamp {
		cutoff = c.minClamp
	}
	c.cutoff = cutoff
}

// StartPolicy arms the timer for a new round. A no-op if the policy is disabled.
func (c *CutoffTime) StartPolicy(callback func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cutoff == Disabled {
		return
	}
	c.cancelTimerLocked()
	c.roundStart = time.Now()
	c.expired = false
	c.callback = callback
	c.timer = time.AfterFunc(c.cutoff, c.fire)
}

func (c *CutoffTime) fire() {
	c.mu.Lock()
	c.expired = true
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// ResetPolicyForRound cancels any pending timer without firing it.
func (c *CutoffTime) ResetPolicyForRound() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelTimerLocked()
}

func (c *CutoffTime) cancelTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// SetStragglerCutoffTime cancels the pending timer, applies the new
// cutoff (re-clamped), and either fires the callback immediately if the
// new deadline has already passed relative to round start, or arms a new
// timer for the remaining interval.
func (c *CutoffTime) SetStragglerCutoffTime(cutoff time.Duration) {
	c.mu.Lock()
	c.cancelTimerLocked()
	c.setCutoffLocked(cutoff)

	if c.cutoff == Disabled || c.roundStart.IsZero() {
		c.mu.Unlock()
		return
	}

	elapsed := time.Since(c.roundStart)
	if elapsed >= c.cutoff {
		c.expired = true
		cb := c.callback
		c.mu.Unlock()
		if cb != nil {
			cb()
		}
		return
	}

	cb := c.callback
	c.timer = time.AfterFunc(c.cutoff-elapsed, func() {
		c.mu.Lock()
		c.expired = true
		c.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
	c.mu.Unlock()
}

// StragglerCutoffCheck returns true iff the timer has fired and at least
// minimumReporting collaborators are done.
func (c *CutoffTime) StragglerCutoffCheck(done, _ int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.expired {
		return false
	}
	return done >= c.minimumReporting
}

// Percentage is the callback-less straggler policy: a round ends early
// once done/total reaches threshold, with no timer involved.
type Percentage struct {
	Threshold float64
}

// NewPercentage constructs a Percentage policy.
func NewPercentage(threshold float64) *Percentage {
	return &Percentage{Threshold: threshold}
}

// StartPolicy is a no-op; Percentage never calls back into the coordinator.
func (p *Percentage) StartPolicy(func()) {}

// ResetPolicyForRound is a no-op; Percentage holds no per-round state.
func (p *Percentage) ResetPolicyForRound() {}

// StragglerCutoffCheck returns true once done/total >= Threshold.
func (p *Percentage) StragglerCutoffCheck(done, total int) bool {
	if total <= 0 {
		return false
	}
	return float64(done)/float64(total) >= p.Threshold
}
