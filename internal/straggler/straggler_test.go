// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package straggler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCutoffTimeClampsToMinimum(t *testing.T) {
	c := NewCutoffTime(1*time.Second, 1)
	assert.Equal(t, MinimumCutoffSeconds, c.cutoff)
}

func TestCutoffTimeDisabledNeverArms(t *testing.T) {
	c := NewCutoffTime(Disabled, 1)
	var fired atomic.Bool
	c.StartPolicy(func() { fired.Store(true) })
	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, c.timer)
	assert.False(t, fired.Load())
}

func TestCutoffTimeFiresAndCheckRespectsMinimumReporting(t *testing.T) {
	c := newCutoffTime(5*time.Millisecond, 2, time.Millisecond)
	done := make(chan struct{})
	c.StartPolicy(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}

	assert.False(t, c.StragglerCutoffCheck(1, 3))
	assert.True(t, c.StragglerCutoffCheck(2, 3))
}

func TestResetPolicyForRoundCancelsTimer(t *testing.T) {
	c := newCutoffTime(50*time.Millisecond, 1, time.Millisecond)
	var fired atomic.Bool
	c.StartPolicy(func() { fired.Store(true) })
	c.ResetPolicyForRound()
	time.Sleep(80 * time.Millisecond)
	assert.False(t, fired.Load())
	assert.False(t, c.StragglerCutoffCheck(1, 1))
}

func TestSetStragglerCutoffTimeFiresImmediatelyWhenPastDeadline(t *testing.T) {
	c := newCutoffTime(50*time.Millisecond, 1, time.Millisecond)
	done := make(chan struct{})
	c.StartPolicy(func() { close(done) })

	time.Sleep(10 * time.Millisecond)
	c.SetStragglerCutoffTime(5 * time.Millisecond) // already elapsed more than 5ms

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
	assert.True(t, c.StragglerCutoffCheck(1, 1))
}

func TestSetStragglerCutoffTimeArmsRemainingInterval(t *testing.T) {
	c := newCutoffTime(200*time.Millisecond, 1, time.Millisecond)
	done := make(chan struct{})
	c.StartPolicy(func() { close(done) })

	c.SetStragglerCutoffTime(20 * time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestPercentageThresholdReachedWithoutCallback(t *testing.T) {
	p := NewPercentage(0.5)
	called := false
	p.StartPolicy(func() { called = true })

	assert.False(t, p.StragglerCutoffCheck(1, 3))
	assert.True(t, p.StragglerCutoffCheck(2, 3))
	assert.False(t, called)
}

func TestPercentageZeroTotalNeverTriggers(t *testing.T) {
	p := NewPercentage(0)
	assert.False(t, p.StragglerCutoffCheck(0, 0))
}
