// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package tensordb implements the tensor database (spec §4.1): a
// mutex-guarded, TensorKey-indexed store with weighted-aggregate lookups
// and round-window eviction. It is the federation's analogue of a
// MemoryRegistry keyed by path — here the key is a TensorKey and entries
// are evicted by round number instead of TTL.
package tensordb

import (
	"sync"

	"fedcoord/internal/aggfunc"
	"fedcoord/internal/tensorkey"
	"fedcoord/pkg/federation"
)

// DB is the tensor database. The zero value is not usable; construct with New.
type DB struct {
	mu sync.RWMutex

	tensors map[string]entry            // TensorKey.CacheKey() -> entry
	byRound map[int]map[string]struct{} // round_number -> set<TensorKey.CacheKey()>
	args    map[string]argEntry         // DynamicTaskArgKey.CacheKey() -> value
	scratch map[int]map[string]any      // round_number -> free-form per-round metadata
}

type entry struct {
	key    tensorkey.TensorKey
	tensor federation.Tensor
}

type argEntry struct {
	key   tensorkey.DynamicTaskArgKey
	value any
}

// New constructs an empty tensor database.
func New() *DB {
	return &DB{
		tensors: make(map[string]entry),
		byRound: make(map[int]map[string]struct{}),
		args:    make(map[string]argEntry),
		scratch: make(map[int]map[string]any),
	}
}

// Cache stores (or overwrites) the tensor under key.
func (db *DB) Cache(key tensorkey.TensorKey, t federation.Tensor) {
	db.mu.Lock()
	defer db.mu.Unlock()

	ck := key.CacheKey()
	db.tensors[ck] = entry{key: key, tensor: t}

	round, ok := db.byRound[key.RoundNumber]
	if !ok {
		round = make(map[string]struct{})
		db.byRound[key.RoundNumber] = round
	}
	round[ck] = struct{}{}
}

// Get returns the tensor cached under key, if present.
func (db *DB) Get(key tensorkey.TensorKey) (federation.Tensor, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	e, ok := db.tensors[key.CacheKey()]
	if !ok {
		return federation.Tensor{}, false
	}
	return e.tensor, true
}

// Aggregate resolves one tensor per (collaborator, weight) pair by
// appending the collaborator name as a tag to keyTemplate, then reduces
// them with fn. It returns a *federation.Error of KindMissingContributor
// if any contributor's tensor is absent.
func (db *DB) Aggregate(keyTemplate tensorkey.TensorKey, weights map[string]float64, fn aggfunc.Func) (federation.Tensor, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	tensors := make([]federation.Tensor, 0, len(weights))
	ws := make([]float64, 0, len(weights))
	for collaborator, w := range weights {
		k := keyTemplate.AddTag(collaborator)
		e, ok := db.tensors[k.CacheKey()]
		if !ok {
			return federation.Tensor{}, federation.New(
				federation.KindMissingContributor,
				"aggregate",
				"missing tensor "+keyTemplate.TensorName+" from "+collaborator,
			)
		}
		tensors = append(tensors, e.tensor)
		ws = append(ws, w)
	}

	return fn(tensors, ws)
}

// Evict deletes every tensor whose RoundNumber is strictly less than
// currentRound-window (the "db_store_rounds" window of spec §4.1). It
// also drops the per-round scratch metadata for evicted rounds.
func (db *DB) Evict(currentRound, window int) {
	db.mu.Lock()
	defer db.mu.Unlock()

	cutoff := currentRound - window
	for round, keys := range db.byRound {
		if round >= cutoff {
			continue
		}
		for ck := range keys {
			delete(db.tensors, ck)
		}
		delete(db.byRound, round)
		delete(db.scratch, round)
	}
}

// SetDynamicTaskArg stores a dynamic task argument value, keyed by task
// name, argument name, round number, and originating aggregator id
// (spec §4, "SetDynamicTaskArg").
func (db *DB) SetDynamicTaskArg(key tensorkey.DynamicTaskArgKey, value any) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.args[key.CacheKey()] = argEntry{key: key, value: value}
}

// GetDynamicTaskArg retrieves a dynamic task argument value previously
// stored with SetDynamicTaskArg.
func (db *DB) GetDynamicTaskArg(key tensorkey.DynamicTaskArgKey) (any, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	e, ok := db.args[key.CacheKey()]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// PutRoundMetadata stashes a free-form value in the per-round scratch
// area, evicted alongside that round's tensors.
func (db *DB) PutRoundMetadata(round int, name string, value any) {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := db.scratch[round]
	if !ok {
		m = make(map[string]any)
		db.scratch[round] = m
	}
	m[name] = value
}

// GetRoundMetadata retrieves a value previously stashed with PutRoundMetadata.
func (db *DB) GetRoundMetadata(round int, name string) (any, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	m, ok := db.scratch[round]
	if !ok {
		return nil, false
	}
	v, ok := m[name]
	return v, ok
}
