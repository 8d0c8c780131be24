// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package tensorkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTensorKeyCacheKeyStructuralEquality(t *testing.T) {
	a := New("w", "agg1", 3, true, "model", "col1")
	b := New("w", "agg1", 3, true, "model", "col1")
	c := New("w", "agg1", 3, true, "col1", "model")

	assert.Equal(t, a.CacheKey(), b.CacheKey())
	assert.NotEqual(t, a.CacheKey(), c.CacheKey(), "tag order is significant for equality")
}

func TestTensorKeyWithTagsIsolatesMutation(t *testing.T) {
	a := New("w", "agg1", 0, false, "model")
	b := a.AddTag("col1")

	assert.Equal(t, []string{"model"}, a.Tags)
	assert.Equal(t, []string{"model", "col1"}, b.Tags)
}

func TestTensorKeyRemoveTag(t *testing.T) {
	k := New("w", "agg1", 0, false, "aggregated", "delta")
	got := k.RemoveTag("delta")
	assert.Equal(t, []string{"aggregated"}, got.Tags)
	assert.True(t, k.HasTag("delta"))
	assert.False(t, got.HasTag("delta"))
}

func TestTaskResultKeyCacheKey(t *testing.T) {
	a := TaskResultKey{TaskName: "train", Owner: "colA", RoundNumber: 1}
	b := TaskResultKey{TaskName: "train", Owner: "colA", RoundNumber: 1}
	c := TaskResultKey{TaskName: "train", Owner: "colB", RoundNumber: 1}

	assert.Equal(t, a.CacheKey(), b.CacheKey())
	assert.NotEqual(t, a.CacheKey(), c.CacheKey())
}

func TestDynamicTaskArgKeyCacheKey(t *testing.T) {
	a := DynamicTaskArgKey{TaskName: "train", ArgName: "lr", RoundNumber: 2, AggID: "agg1"}
	b := DynamicTaskArgKey{TaskName: "train", ArgName: "lr", RoundNumber: 2, AggID: "agg1"}
	assert.Equal(t, a.CacheKey(), b.CacheKey())
}
