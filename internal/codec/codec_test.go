// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedcoord/internal/tensorkey"
	"fedcoord/pkg/federation"
)

func TestCompressDecompressRoundTripLossless(t *testing.T) {
	c := New(NewIdentityPipeline())
	k := tensorkey.New("w", "agg1", 1, false, "trained")
	orig := federation.Tensor{Data: []byte{1, 2, 3, 4}}

	ck, ct, err := c.Compress(k, orig, true)
	require.NoError(t, err)
	assert.True(t, ck.HasTag(tensorkey.TagCompressed))

	dk, dt, err := c.Decompress(ck, ct.Data, nil, true)
	require.NoError(t, err)
	assert.False(t, dk.HasTag(tensorkey.TagCompressed))
	assert.Equal(t, orig.Data, dt.Data)
}

func TestDecompressRejectsLossyWhenLosslessRequired(t *testing.T) {
	c := New(NewIdentityPipeline())
	k := tensorkey.New("w", "agg1", 1, false, "trained")
	orig := federation.Tensor{Data: []byte{0xff, 0x1a, 0x20}}

	ck, ct, err := c.Compress(k, orig, false)
	require.NoError(t, err)
	assert.True(t, ck.HasTag(tensorkey.TagLossyCompressed))

	_, _, err = c.Decompress(ck, ct.Data, nil, true)
	assert.Error(t, err)
}

func TestDeltaRoundTrip(t *testing.T) {
	c := New(NewIdentityPipeline())
	k := tensorkey.New("w", "agg1", 1, false, "trained")
	base := federation.Tensor{Data: []byte{10, 20, 30}}
	t1 := federation.Tensor{Data: []byte{11, 25, 33}}

	dk, delta, err := c.GenerateDelta(k, t1, base)
	require.NoError(t, err)
	assert.True(t, dk.HasTag(tensorkey.TagDelta))

	rk, restored, err := c.ApplyDelta(dk, delta, base)
	require.NoError(t, err)
	assert.False(t, rk.HasTag(tensorkey.TagDelta))
	assert.Equal(t, t1.Data, restored.Data)
}

func TestGenerateDeltaRejectsMismatchedLengths(t *testing.T) {
	c := New(NewIdentityPipeline())
	k := tensorkey.New("w", "agg1", 1, false)
	_, _, err := c.GenerateDelta(k, federation.Tensor{Data: []byte{1, 2}}, federation.Tensor{Data: []byte{1}})
	assert.Error(t, err)
}

func TestDecompressRejectsUntaggedKey(t *testing.T) {
	c := New(NewIdentityPipeline())
	k := tensorkey.New("w", "agg1", 1, false, "trained")
	_, _, err := c.Decompress(k, []byte{1, 2}, nil, false)
	assert.Error(t, err)
}
