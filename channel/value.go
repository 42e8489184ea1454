package channel

import (
	"context"

	"github.com/Swind/goo-runtime/codec"
)

// SendValue encodes v with cd and sends it on c.
func SendValue[T any](ctx context.Context, c *Channel, cd codec.Codec, v T) error {
	data, err := cd.Encode(v)
	if err != nil {
		return err
	}
	return c.Send(ctx, data)
}

// RecvValue receives the next element of c and decodes it with cd.
func RecvValue[T any](ctx context.Context, c *Channel, cd codec.Codec) (T, error) {
	var v T
	data, err := c.Recv(ctx)
	if err != nil {
		return v, err
	}
	if err := cd.Decode(data, &v); err != nil {
		return v, err
	}
	return v, nil
}
