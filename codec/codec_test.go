package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reading struct {
	Sensor string   `json:"sensor" cbor:"sensor"`
	Value  float64  `json:"value" cbor:"value"`
	Tags   []string `json:"tags,omitempty" cbor:"tags,omitempty"`
}

func TestCodecsRoundTripStruct(t *testing.T) {
	in := reading{Sensor: "t1", Value: 21.5, Tags: []string{"lab"}}

	for _, c := range []Codec{JSON, CBOR} {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := c.Encode(in)
			require.NoError(t, err)

			var out reading
			require.NoError(t, c.Decode(data, &out))
			assert.Equal(t, in, out)
		})
	}
}

func TestDecodeRejectsEmptyAndNil(t *testing.T) {
	for _, c := range []Codec{JSON, CBOR} {
		t.Run(c.Name(), func(t *testing.T) {
			var out reading
			assert.ErrorIs(t, c.Decode(nil, &out), ErrEmptyData)
			assert.ErrorIs(t, c.Decode([]byte{1}, nil), ErrNilTarget)
		})
	}
}

func TestCBORIsCanonical(t *testing.T) {
	a, err := CBOR.Encode(map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	b, err := CBOR.Encode(map[string]int{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestByName(t *testing.T) {
	c, err := ByName("cbor")
	require.NoError(t, err)
	assert.Equal(t, "cbor", c.Name())

	_, err = ByName("xml")
	assert.Error(t, err)
}
