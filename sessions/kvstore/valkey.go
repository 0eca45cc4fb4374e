package kvstore

import (
	"context"

	errs "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/valkey-io/valkey-go"
)

var _ KV = (*Valkey)(nil)

// Valkey adapts a valkey client to KV.
type Valkey struct {
	client valkey.Client
}

// NewValkey wraps an existing valkey client.
func NewValkey(client valkey.Client) *Valkey {
	return &Valkey{client: client}
}

// DialValkey connects to the valkey server(s) at addrs.
func DialValkey(addrs ...string) (*Valkey, error) {
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: addrs})
	if err != nil {
		return nil, errs.Wrapf(err, "creating valkey client")
	}
	return NewValkey(client), nil
}

func (v *Valkey) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := v.client.Do(ctx, v.client.B().Get().Key(key).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Wrapf(err, "valkey get")
	}
	return data, true, nil
}

func (v *Valkey) Set(ctx context.Context, key string, value []byte) error {
	cmd := v.client.B().Set().Key(key).Value(valkey.BinaryString(value)).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return errs.Wrapf(err, "valkey set")
	}
	return nil
}

func (v *Valkey) Del(ctx context.Context, key string) error {
	if err := v.client.Do(ctx, v.client.B().Del().Key(key).Build()).Error(); err != nil {
		return errs.Wrapf(err, "valkey del")
	}
	return nil
}

// Close releases the underlying client.
func (v *Valkey) Close() {
	v.client.Close()
}
