// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package tensorkey defines the composite, value-typed identifiers used
// throughout the federation: TensorKey and TaskResultKey.
package tensorkey

import "strings"

// tagSep joins tags into a cache key. Not expected to occur inside a tag
// since the vocabulary is short open-ended labels and collaborator names.
const tagSep = "\x1f"
const fieldSep = "\x1e"

// Known tag vocabulary. Open-ended: collaborator names are also valid tags.
const (
	TagModel           = "model"
	TagAggregated      = "aggregated"
	TagTrained         = "trained"
	TagDelta           = "delta"
	TagCompressed      = "compressed"
	TagLossyCompressed = "lossy_compressed"
	TagMetric          = "metric"
	TagValidateAgg     = "validate_agg"
)

// TensorKey is the immutable 5-tuple identity of a tensor. Tag order is
// significant for equality but carries no semantics.
type TensorKey struct {
	TensorName  string
	Origin      string
	RoundNumber int
	Report      bool
	Tags        []string
}

// New returns a TensorKey with a defensive copy of tags.
func New(tensorName, origin string, roundNumber int, report bool, tags ...string) TensorKey {
	cp := make([]string, len(tags))
	copy(cp, tags)
	return TensorKey{TensorName: tensorName, Origin: origin, RoundNumber: roundNumber, Report: report, Tags: cp}
}

// CacheKey renders a TensorKey to a string suitable for use as a map key.
// Equality and hashing are structural over all five fields.
func (k TensorKey) CacheKey() string {
	var b strings.Builder
	b.WriteString(k.TensorName)
	b.WriteString(fieldSep)
	b.WriteString(k.Origin)
	b.WriteString(fieldSep)
	b.WriteString(itoa(k.RoundNumber))
	b.WriteString(fieldSep)
	if k.Report {
		b.WriteString("1")
	} else {
		b.WriteString("0")
	}
	b.WriteString(fieldSep)
	b.WriteString(strings.Join(k.Tags, tagSep))
	return b.String()
}

// HasTag reports whether tag is present among k.Tags.
func (k TensorKey) HasTag(tag string) bool {
	for _, t := range k.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// WithTags returns a copy of k with tags replaced.
func (k TensorKey) WithTags(tags ...string) TensorKey {
	return New(k.TensorName, k.Origin, k.RoundNumber, k.Report, tags...)
}

// WithRound returns a copy of k with RoundNumber replaced.
func (k TensorKey) WithRound(round int) TensorKey {
	return New(k.TensorName, k.Origin, round, k.Report, k.Tags...)
}

// AddTag returns a copy of k with tag appended.
func (k TensorKey) AddTag(tag string) TensorKey {
	tags := append(append([]string{}, k.Tags...), tag)
	return k.WithTags(tags...)
}

// RemoveTag returns a copy of k with the first occurrence of tag removed.
func (k TensorKey) RemoveTag(tag string) TensorKey {
	tags := make([]string, 0, len(k.Tags))
	removed := false
	for _, t := range k.Tags {
		if !removed && t == tag {
			removed = true
			continue
		}
		tags = append(tags, t)
	}
	return k.WithTags(tags...)
}

// TaskResultKey identifies a single collaborator's submission for one
// task of one round.
type TaskResultKey struct {
	TaskName    string
	Owner       string
	RoundNumber int
}

// CacheKey renders a TaskResultKey to a string suitable for use as a map key.
func (k TaskResultKey) CacheKey() string {
	var b strings.Builder
	b.WriteString(k.TaskName)
	b.WriteString(fieldSep)
	b.WriteString(k.Owner)
	b.WriteString(fieldSep)
	b.WriteString(itoa(k.RoundNumber))
	return b.String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// DynamicTaskArgKey identifies a per-task, per-round dynamic argument
// value cached in the tensor database's ancillary map (spec §4.1).
type DynamicTaskArgKey struct {
	TaskName    string
	ArgName     string
	RoundNumber int
	AggID       string
}

// CacheKey renders a DynamicTaskArgKey to a string map key.
func (k DynamicTaskArgKey) CacheKey() string {
	var b strings.Builder
	b.WriteString(k.TaskName)
	b.WriteString(fieldSep)
	b.WriteString(k.ArgName)
	b.WriteString(fieldSep)
	b.WriteString(itoa(k.RoundNumber))
	b.WriteString(fieldSep)
	b.WriteString(k.AggID)
	return b.String()
}
