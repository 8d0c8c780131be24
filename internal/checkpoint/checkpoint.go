// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package checkpoint implements the coordinator's model checkpoint files
// (spec §6: "a model protobuf carrying (tensor_name -> bytes,
// round_number, codec_metadata)"). No generated .pb.go stubs are
// available in this environment, so the wire format is hand-encoded with
// protowire directly against that three-field schema.
package checkpoint

import (
	"fmt"
	"os"

	"google.golang.org/protobuf/encoding/protowire"

	"fedcoord/pkg/federation"
)

// Field numbers of the checkpoint wire schema.
const (
	fieldRoundNumber = protowire.Number(1)
	fieldTensor      = protowire.Number(2) // repeated TensorEntry

	tensorFieldName     = protowire.Number(1)
	tensorFieldData     = protowire.Number(2)
	tensorFieldIntToFlt = protowire.Number(3) // repeated, one per TransformerMetadata entry
)

// Store persists named-tensor snapshots to checkpoint files on the local
// filesystem. The zero value is usable.
type Store struct{}

// NewStore constructs a filesystem-backed checkpoint Store.
func NewStore() *Store { return &Store{} }

// Save writes tensors and round to path, replacing any existing file.
func (Store) Save(round int, path string, tensors map[string]federation.Tensor) error {
	var b []byte
	b = protowire.AppendTag(b, fieldRoundNumber, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(round))

	for name, t := range tensors {
		entry := encodeTensorEntry(name, t)
		b = protowire.AppendTag(b, fieldTensor, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", path, err)
	}
	return nil
}

func encodeTensorEntry(name string, t federation.Tensor) []byte {
	var e []byte
	e = protowire.AppendTag(e, tensorFieldName, protowire.BytesType)
	e = protowire.AppendString(e, name)
	e = protowire.AppendTag(e, tensorFieldData, protowire.BytesType)
	e = protowire.AppendBytes(e, t.Data)
	for _, m := range t.Metadata {
		var mb []byte
		mb = protowire.AppendTag(mb, 1, protowire.Fixed64Type)
		mb = protowire.AppendFixed64(mb, protowire.EncodeZigZag(int64(m.IntToFloat*1e9)))
		e = protowire.AppendTag(e, tensorFieldIntToFlt, protowire.BytesType)
		e = protowire.AppendBytes(e, mb)
	}
	return e
}

// Checkpoint is the decoded contents of a checkpoint file.
type Checkpoint struct {
	Round   int
	Tensors map[string]federation.Tensor
}

// Load reads and decodes a checkpoint file written by Save.
func Load(path string) (Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}

	out := Checkpoint{Tensors: make(map[string]federation.Tensor)}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Checkpoint{}, fmt.Errorf("checkpoint: malformed tag in %s", path)
		}
		data = data[n:]

		switch {
		case num == fieldRoundNumber && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Checkpoint{}, fmt.Errorf("checkpoint: malformed round_number in %s", path)
			}
			out.Round = int(v)
			data = data[n:]
		case num == fieldTensor && typ == protowire.BytesType:
			entryBytes, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Checkpoint{}, fmt.Errorf("checkpoint: malformed tensor entry in %s", path)
			}
			name, tensor, err := decodeTensorEntry(entryBytes)
			if err != nil {
				return Checkpoint{}, err
			}
			out.Tensors[name] = tensor
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Checkpoint{}, fmt.Errorf("checkpoint: malformed field in %s", path)
			}
			data = data[n:]
		}
	}
	return out, nil
}

func decodeTensorEntry(data []byte) (string, federation.Tensor, error) {
	var name string
	var tensor federation.Tensor
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", federation.Tensor{}, fmt.Errorf("checkpoint: malformed tensor entry tag")
		}
		data = data[n:]

		switch {
		case num == tensorFieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return "", federation.Tensor{}, fmt.Errorf("checkpoint: malformed tensor name")
			}
			name = v
			data = data[n:]
		case num == tensorFieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return "", federation.Tensor{}, fmt.Errorf("checkpoint: malformed tensor data")
			}
			tensor.Data = append([]byte(nil), v...)
			data = data[n:]
		case num == tensorFieldIntToFlt && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return "", federation.Tensor{}, fmt.Errorf("checkpoint: malformed tensor metadata")
			}
			m, err := decodeTransformerMetadata(v)
			if err != nil {
				return "", federation.Tensor{}, err
			}
			tensor.Metadata = append(tensor.Metadata, m)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return "", federation.Tensor{}, fmt.Errorf("checkpoint: malformed tensor entry field")
			}
			data = data[n:]
		}
	}
	return name, tensor, nil
}

func decodeTransformerMetadata(data []byte) (federation.TransformerMetadata, error) {
	var m federation.TransformerMetadata
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return m, fmt.Errorf("checkpoint: malformed metadata tag")
		}
		data = data[n:]
		if num == 1 && typ == protowire.Fixed64Type {
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return m, fmt.Errorf("checkpoint: malformed metadata value")
			}
			m.IntToFloat = float64(protowire.DecodeZigZag(v)) / 1e9
			data = data[n:]
			continue
		}
		n := protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return m, fmt.Errorf("checkpoint: malformed metadata field")
		}
		data = data[n:]
	}
	return m, nil
}
