package versioning

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/tempo/internal/transaction"
	"github.com/klauspost/compress/zstd"
)

// Codec serializes changelog deltas as zstd-compressed JSON records.
type Codec struct {
	factory *transaction.Factory
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec builds a Codec restoring transactions through factory.
func NewCodec(factory *transaction.Factory) (*Codec, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Codec{factory: factory, encoder: encoder, decoder: decoder}, nil
}

// Encode returns the plain JSON record and its compressed form.
func (c *Codec) Encode(t transaction.Transaction) (plain []byte, compressed []byte, err error) {
	plain, err = transaction.Marshal(t)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding changelog: %w", err)
	}
	return plain, c.encoder.EncodeAll(plain, nil), nil
}

// Decode restores a transaction from its compressed form.
func (c *Codec) Decode(compressed []byte) (transaction.Transaction, error) {
	plain, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing changelog: %w", err)
	}
	return c.factory.Unmarshal(plain)
}
