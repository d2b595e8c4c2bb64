// Package fec implements the Reed-Solomon forward-error-correction codec
// and the out-of-band (OOB) reconstruction decoder. Grounded on
// other_examples/83c65e58_xtaci-kcptun__vendor-github.com-xtaci-kcp-go-v5-fec.go.go
// (a vendored kcp-go v5 FEC implementation built on klauspost/reedsolomon)
// and original_source/src/session/machine.rs's OobDecoder.
package fec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Codec wraps a klauspost/reedsolomon encoder for a fixed
// (dataShards, parityShards) configuration. A fresh Codec is constructed
// per parity run since data/parity counts vary frame to frame
// (spec.md's Parity frame carries its own data_count/parity_count).
type Codec struct {
	dataShards   int
	parityShards int
	enc          reedsolomon.Encoder
}

// NewCodec constructs a Reed-Solomon codec for the given shard counts.
func NewCodec(dataShards, parityShards int) (*Codec, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("fec: constructing reed-solomon codec: %w", err)
	}
	return &Codec{dataShards: dataShards, parityShards: parityShards, enc: enc}, nil
}

// Encode computes parityShards parity shards for the given data shards.
// All shards (including the parity ones to be filled in) must be
// preallocated to the same length; shorter data shards should be
// zero-padded by the caller to shardLen first.
func (c *Codec) Encode(shards [][]byte) error {
	if len(shards) != c.dataShards+c.parityShards {
		return fmt.Errorf("fec: expected %d shards, got %d", c.dataShards+c.parityShards, len(shards))
	}
	if err := c.enc.Encode(shards); err != nil {
		return fmt.Errorf("fec: encoding parity: %w", err)
	}
	return nil
}

// Reconstruct fills in missing shards (nil entries) given however many
// data+parity shards survived, in place.
func (c *Codec) Reconstruct(shards [][]byte) error {
	if len(shards) != c.dataShards+c.parityShards {
		return fmt.Errorf("fec: expected %d shards, got %d", c.dataShards+c.parityShards, len(shards))
	}
	if err := c.enc.Reconstruct(shards); err != nil {
		return fmt.Errorf("fec: reconstructing: %w", err)
	}
	return nil
}
