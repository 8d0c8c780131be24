// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package aggfunc implements the pluggable per-task aggregation kernels
// named by federation.AggregationType (spec §1, §4.3). The core tensor
// database only ever calls through the Func type; it never special-cases
// a named kernel.
package aggfunc

import (
	"fmt"

	"fedcoord/pkg/federation"
)

// Func reduces one contributor per element of tensors/weights (same
// order, weights already normalized to sum to 1) into a single tensor.
type Func func(tensors []federation.Tensor, weights []float64) (federation.Tensor, error)

// Recognized aggregation type names.
const (
	WeightedAverageType federation.AggregationType = "weighted_average"
	MedianType          federation.AggregationType = "median"
)

// WeightedAverage computes sum(weight_i * tensor_i) element-wise, treating
// every Tensor.Data as a little-endian float64 buffer (pkg/federation's
// EncodeFloats/DecodeFloats wire shape).
func WeightedAverage(tensors []federation.Tensor, weights []float64) (federation.Tensor, error) {
	if len(tensors) == 0 {
		return federation.Tensor{}, fmt.Errorf("aggfunc: weighted_average called with no contributors")
	}
	if len(tensors) != len(weights) {
		return federation.Tensor{}, fmt.Errorf("aggfunc: %d tensors but %d weights", len(tensors), len(weights))
	}

	first := federation.DecodeFloats(tensors[0].Data)
	acc := make([]float64, len(first))
	for i, t := range tensors {
		vals := federation.DecodeFloats(t.Data)
		if len(vals) != len(acc) {
			return federation.Tensor{}, fmt.Errorf("aggfunc: contributor %d has %d elements, want %d", i, len(vals), len(acc))
		}
		w := weights[i]
		for j, v := range vals {
			acc[j] += w * v
		}
	}

	return federation.Tensor{
		Data:     federation.EncodeFloats(acc),
		Shape:    tensors[0].Shape,
		Metadata: tensors[0].Metadata,
	}, nil
}

// Median computes the element-wise median across contributors, ignoring
// weights (the Python reference implements this as an unweighted kernel
// too; spec §1 leaves numeric kernels opaque).
func Median(tensors []federation.Tensor, _ []float64) (federation.Tensor, error) {
	if len(tensors) == 0 {
		return federation.Tensor{}, fmt.Errorf("aggfunc: median called with no contributors")
	}

	decoded := make([][]float64, len(tensors))
	for i, t := range tensors {
		decoded[i] = federation.DecodeFloats(t.Data)
		if len(decoded[i]) != len(decoded[0]) {
			return federation.Tensor{}, fmt.Errorf("aggfunc: contributor %d has %d elements, want %d", i, len(decoded[i]), len(decoded[0]))
		}
	}

	n := len(decoded[0])
	out := make([]float64, n)
	col := make([]float64, len(tensors))
	for j := 0; j < n; j++ {
		for i := range decoded {
			col[i] = decoded[i][j]
		}
		out[j] = median(col)
	}

	return federation.Tensor{
		Data:     federation.EncodeFloats(out),
		Shape:    tensors[0].Shape,
		Metadata: tensors[0].Metadata,
	}, nil
}

func median(vals []float64) float64 {
	cp := append([]float64(nil), vals...)
	insertionSort(cp)
	n := len(cp)
	if n%2 == 1 {
		return cp[n/2]
	}
	return (cp[n/2-1] + cp[n/2]) / 2
}

func insertionSort(vals []float64) {
	for i := 1; i < len(vals); i++ {
		v := vals[i]
		j := i - 1
		for j >= 0 && vals[j] > v {
			vals[j+1] = vals[j]
			j--
		}
		vals[j+1] = v
	}
}

// Registry maps an AggregationType name to its kernel. Callers that need
// a custom kernel can bypass the registry and pass a Func directly.
var Registry = map[federation.AggregationType]Func{
	WeightedAverageType: WeightedAverage,
	MedianType:          Median,
}

// Resolve looks up a kernel by name.
func Resolve(name federation.AggregationType) (Func, bool) {
	fn, ok := Registry[name]
	return fn, ok
}
