package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Envelope is the wire form of a (possibly multipart) channel message.
type Envelope struct {
	Flags       uint32   `cbor:"1,keyasint"`
	Topic       string   `cbor:"2,keyasint,omitempty"`
	Correlation []byte   `cbor:"3,keyasint,omitempty"`
	Parts       [][]byte `cbor:"4,keyasint"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("transport: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalEnvelope serializes an Envelope to canonical CBOR bytes.
func MarshalEnvelope(e *Envelope) ([]byte, error) {
	return cborEncMode.Marshal(e)
}

// UnmarshalEnvelope deserializes an Envelope from CBOR bytes.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("transport: unmarshal envelope: %w", err)
	}
	if len(e.Parts) == 0 {
		return nil, fmt.Errorf("transport: envelope has no parts")
	}
	return &e, nil
}
