// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package federation

import (
	"encoding/binary"
	"math"
)

// EncodeFloats renders a float64 slice to the little-endian byte buffer
// used as Tensor.Data by the default aggregation/codec kernels. Numeric
// kernels are pluggable (spec §1); this is the wire shape the built-in
// ones agree on.
func EncodeFloats(values []float64) []byte {
	out := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

// DecodeFloats reverses EncodeFloats.
func DecodeFloats(data []byte) []float64 {
	n := len(data) / 8
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return out
}
