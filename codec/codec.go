// Package codec converts typed values to the byte payloads carried by
// channels and transports.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrNilTarget = errors.New("codec: decode target cannot be nil")
	ErrEmptyData = errors.New("codec: data is empty")
)

// Codec defines the interface for encoding and decoding message payloads.
type Codec interface {
	// Encode converts a Go value to bytes
	Encode(v any) ([]byte, error)

	// Decode converts bytes back into target, which must be a pointer
	Decode(data []byte, target any) error

	// Name returns the codec name (for debugging/logging)
	Name() string
}

// =============================================================================
// JSON
// =============================================================================

// JSONCodec uses encoding/json.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal failed: %w", err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte, target any) error {
	if target == nil {
		return ErrNilTarget
	}
	if len(data) == 0 {
		return ErrEmptyData
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("json unmarshal failed: %w", err)
	}
	return nil
}

func (JSONCodec) Name() string { return "json" }

// =============================================================================
// CBOR
// =============================================================================

// CBORCodec uses canonical CBOR, so equal values always encode to equal bytes.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec creates a canonical CBOR codec.
func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor enc mode: %w", err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor dec mode: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	data, err := c.enc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor marshal failed: %w", err)
	}
	return data, nil
}

func (c *CBORCodec) Decode(data []byte, target any) error {
	if target == nil {
		return ErrNilTarget
	}
	if len(data) == 0 {
		return ErrEmptyData
	}
	if err := c.dec.Unmarshal(data, target); err != nil {
		return fmt.Errorf("cbor unmarshal failed: %w", err)
	}
	return nil
}

func (c *CBORCodec) Name() string { return "cbor" }

// Shared instances.
var (
	JSON Codec = JSONCodec{}
	CBOR Codec = mustCBOR()
)

func mustCBOR() *CBORCodec {
	c, err := NewCBORCodec()
	if err != nil {
		panic(err)
	}
	return c
}

// ByName returns the codec registered under name ("json" or "cbor").
func ByName(name string) (Codec, error) {
	switch name {
	case "json":
		return JSON, nil
	case "cbor":
		return CBOR, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}
