// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package federation holds the wire-shape types shared between the
// transport adapter and the coordinator: tensors, task declarations, and
// the typed error kinds surfaced by the RPC surface.
package federation

// ============================================================================
// TENSOR WIRE SHAPE
// ============================================================================

// TransformerMetadata carries the per-layer scaling/quantization metadata
// produced by the codec pipeline, mirroring the NamedTensor wire triple.
type TransformerMetadata struct {
	IntToFloat float64
	IntList    []int64
	BoolList   []bool
}

// Tensor is an opaque multi-dimensional numeric buffer plus the metadata
// emitted by the codec. The coordinator never interprets Data except by
// handing it to the codec or aggregation functions.
type Tensor struct {
	Data     []byte
	Shape    []int64
	Metadata []TransformerMetadata
}

// NamedTensor is the on-wire envelope for a single tensor submission or
// response, matching the collaborator RPC surface (spec §6).
type NamedTensor struct {
	Name                string
	RoundNumber         int
	Report              bool
	Tags                []string
	DataBytes           []byte
	TransformerMetadata []TransformerMetadata
}

// ============================================================================
// TASK AND TASK GROUP DECLARATIONS
// ============================================================================

// TaskType distinguishes training tasks from validation tasks; the core
// only inspects this field, all others pass through opaquely.
type TaskType string

// Recognized task types.
const (
	TaskTypeTrain    TaskType = "train"
	TaskTypeValidate TaskType = "validate"
)

// Task is either a bare name (legacy, accepted on decode for backward
// compatibility) or a record with function/type metadata. New
// configuration should emit only the record form.
type Task struct {
	Name         string
	FunctionName string
	TaskType     TaskType
	ApplyLocal   bool
}

// UnmarshalYAML accepts both the legacy bare-string form and the record
// form for a Task entry within a TaskGroup's task list.
func (t *Task) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err == nil {
		*t = Task{Name: name}
		return nil
	}

	type taskRecord struct {
		Name         string   `yaml:"name"`
		FunctionName string   `yaml:"function_name"`
		TaskType     TaskType `yaml:"task_type"`
		ApplyLocal   bool     `yaml:"apply_local"`
	}
	var rec taskRecord
	if err := unmarshal(&rec); err != nil {
		return err
	}
	*t = Task(rec)
	return nil
}

// AggregationType names the pluggable per-task aggregation function
// (spec §1: "numeric kernels... treated as opaque pluggable functions").
type AggregationType string

// TaskGroup is a declarative bundle assigning the same task list to a
// random fraction of assignees.
type TaskGroup struct {
	Name            string          `yaml:"name"`
	Percentage      float64         `yaml:"percentage"`
	Tasks           []Task          `yaml:"tasks"`
	AggregationType AggregationType `yaml:"aggregation_type"`
}

// TaskNames returns the bare names of every task in the group.
func (g TaskGroup) TaskNames() []string {
	names := make([]string, len(g.Tasks))
	for i, t := range g.Tasks {
		names[i] = t.Name
	}
	return names
}
