// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package codec implements the compress/decompress/delta pipeline (spec
// §4.2). Every operation is a pure function of (TensorKey, tensor,
// metadata?); the codec never mutates the tensor database.
package codec

import (
	"fmt"

	"fedcoord/internal/tensorkey"
	"fedcoord/pkg/federation"
)

// CompressionFunc compresses a tensor's bytes. lossless selects whether
// the function must guarantee exact round-trip; a lossy implementation
// may ignore the flag and always compress losslessly, but never the
// reverse. Numeric compression kernels are pluggable per spec §1 — the
// core never inspects the wire format produced here.
type CompressionFunc func(data []byte, lossless bool) (out []byte, lossyApplied bool, err error)

// DecompressionFunc reverses a CompressionFunc. requireLossless rejects
// input that was produced by a lossy compression.
type DecompressionFunc func(data []byte, requireLossless bool, wasLossy bool) ([]byte, error)

// DeltaFunc computes the delta of t against base (t - base for a numeric
// kernel; XOR for the identity pipeline), returning a buffer the same
// length as t.
type DeltaFunc func(t, base []byte) ([]byte, error)

// ApplyDeltaFunc combines delta with base, the inverse of DeltaFunc.
type ApplyDeltaFunc func(delta, base []byte) ([]byte, error)

// Pipeline bundles the pluggable numeric kernels behind the codec
// operations. The zero value is not usable; construct with
// NewIdentityPipeline or supply all four funcs.
type Pipeline struct {
	Compress        CompressionFunc
	Decompress      DecompressionFunc
	GenerateDeltaFn DeltaFunc
	ApplyDeltaFn    ApplyDeltaFunc
}

// NewIdentityPipeline returns a Pipeline whose lossless compression is a
// byte-identity pass-through (lossy compression clears the low nibble of
// every byte) and whose delta is an XOR against the base
// (exact, invertible, and defined for equal-length buffers — a stand-in
// for the opaque numeric kernels named in spec §1).
func NewIdentityPipeline() Pipeline {
	return Pipeline{
		Compress:        identityCompress,
		Decompress:      identityDecompress,
		GenerateDeltaFn: xorDelta,
		ApplyDeltaFn:    xorDelta, // XOR is its own inverse
	}
}

func identityCompress(data []byte, lossless bool) ([]byte, bool, error) {
	out := make([]byte, len(data))
	copy(out, data)
	if lossless {
		return out, false, nil
	}
	// Lossy path: zero the low nibble of every byte, bounding error to 15/255.
	for i := range out {
		out[i] &^= 0x0f
	}
	return out, true, nil
}

func identityDecompress(data []byte, requireLossless bool, wasLossy bool) ([]byte, error) {
	if requireLossless && wasLossy {
		return nil, fmt.Errorf("codec: lossy data cannot satisfy require_lossless")
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func xorDelta(a, b []byte) ([]byte, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("codec: delta operands have mismatched lengths %d != %d", len(a), len(b))
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out, nil
}

// Codec is the compress/decompress/delta pipeline over TensorKey-tagged
// tensors, per spec §4.2.
type Codec struct {
	pipeline Pipeline
}

// New constructs a Codec over the given pluggable numeric kernels.
func New(pipeline Pipeline) *Codec {
	return &Codec{pipeline: pipeline}
}

// Compress appends "compressed" or "lossy_compressed" to k.Tags and
// returns the rewritten key, tensor, and metadata.
func (c *Codec) Compress(k tensorkey.TensorKey, t federation.Tensor, lossless bool) (tensorkey.TensorKey, federation.Tensor, error) {
	data, lossy, err := c.pipeline.Compress(t.Data, lossless)
	if err != nil {
		return tensorkey.TensorKey{}, federation.Tensor{}, fmt.Errorf("compress %s: %w", k.TensorName, err)
	}
	tag := tensorkey.TagCompressed
	if lossy {
		tag = tensorkey.TagLossyCompressed
	}
	outKey := k.AddTag(tag)
	outTensor := federation.Tensor{Data: data, Shape: t.Shape, Metadata: t.Metadata}
	return outKey, outTensor, nil
}

// Decompress removes the corresponding compression tag and reverses
// Compress. requireLossless rejects tensors that were compressed lossily.
func (c *Codec) Decompress(k tensorkey.TensorKey, data []byte, metadata []federation.TransformerMetadata, requireLossless bool) (tensorkey.TensorKey, federation.Tensor, error) {
	wasLossy := k.HasTag(tensorkey.TagLossyCompressed)
	wasLossless := k.HasTag(tensorkey.TagCompressed)
	if !wasLossy && !wasLossless {
		return tensorkey.TensorKey{}, federation.Tensor{}, fmt.Errorf("decompress %s: key carries no compression tag", k.TensorName)
	}

	out, err := c.pipeline.Decompress(data, requireLossless, wasLossy)
	if err != nil {
		return tensorkey.TensorKey{}, federation.Tensor{}, err
	}

	outKey := k
	if wasLossy {
		outKey = outKey.RemoveTag(tensorkey.TagLossyCompressed)
	} else {
		outKey = outKey.RemoveTag(tensorkey.TagCompressed)
	}
	return outKey, federation.Tensor{Data: out, Metadata: metadata}, nil
}

// GenerateDelta appends "delta" to k.Tags and returns the pipeline's delta
// of t against base.
func (c *Codec) GenerateDelta(k tensorkey.TensorKey, t, base federation.Tensor) (tensorkey.TensorKey, federation.Tensor, error) {
	delta, err := c.pipeline.GenerateDeltaFn(t.Data, base.Data)
	if err != nil {
		return tensorkey.TensorKey{}, federation.Tensor{}, fmt.Errorf("generate_delta %s: %w", k.TensorName, err)
	}
	return k.AddTag(tensorkey.TagDelta), federation.Tensor{Data: delta, Shape: t.Shape, Metadata: t.Metadata}, nil
}

// ApplyDelta strips "delta" from k.Tags and returns delta applied to base
// by the pipeline's ApplyDeltaFn.
func (c *Codec) ApplyDelta(k tensorkey.TensorKey, delta, base federation.Tensor) (tensorkey.TensorKey, federation.Tensor, error) {
	absolute, err := c.pipeline.ApplyDeltaFn(delta.Data, base.Data)
	if err != nil {
		return tensorkey.TensorKey{}, federation.Tensor{}, fmt.Errorf("apply_delta %s: %w", k.TensorName, err)
	}
	return k.RemoveTag(tensorkey.TagDelta), federation.Tensor{Data: absolute, Shape: delta.Shape, Metadata: delta.Metadata}, nil
}
