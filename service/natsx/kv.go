package natsx

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"PlatesRelay/tools/errs"
)

// kvKey maps a relay key onto the KV key alphabet, which has no ':'.
// "online:42" becomes "online.42".
func kvKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

// SetEx stores value under key. Expiry is the bucket TTL; ttl must not
// exceed it.
func (b *Backplane) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl > b.conf.TTL {
		return errs.ErrConfigInvalid.WrapMsg("kv ttl exceeds bucket ttl", "ttl", ttl, "bucket_ttl", b.conf.TTL)
	}
	_, kv, err := b.current()
	if err != nil {
		return err
	}
	c, cancel := context.WithTimeout(ctx, b.conf.OpTimeout)
	defer cancel()
	_, err = kv.Put(c, kvKey(key), []byte(value))
	return errs.WrapMsg(err, "kv put", "key", key)
}

func (b *Backplane) Del(ctx context.Context, key string) error {
	_, kv, err := b.current()
	if err != nil {
		return err
	}
	c, cancel := context.WithTimeout(ctx, b.conf.OpTimeout)
	defer cancel()
	err = kv.Delete(c, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return errs.WrapMsg(err, "kv delete", "key", key)
}

func (b *Backplane) Get(ctx context.Context, key string) (string, bool, error) {
	_, kv, err := b.current()
	if err != nil {
		return "", false, err
	}
	c, cancel := context.WithTimeout(ctx, b.conf.OpTimeout)
	defer cancel()
	e, err := kv.Get(c, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.WrapMsg(err, "kv get", "key", key)
	}
	return string(e.Value()), true, nil
}
