// Package metastore is the control plane's consumed view of the external
// persistent metadata store (spec §6: "get, watch-prefix, put-with-lease,
// delete, keepalive... no specific schema required beyond ordered watches
// and session leases"). The core only ever consumes this contract; it owns
// no schema and implements no consensus.
//
// Grounded on the teacher's internal/store/redis.go for the client-wrapper
// shape (a thin struct around *redis.Client with a constructor that pings
// on construction), generalized from "function/tenant CRUD" to the
// path/value/lease contract spec §6 names. Watch-prefix is implemented over
// Redis keyspace notifications (PSubscribe), which gives the "ordered
// watch" spec requires without needing a native prefix-watch primitive.
package metastore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/oriys/corefn/internal/logging"
)

// EventType distinguishes a watch notification's kind.
type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

// Event is one change notification from WatchPrefix.
type Event struct {
	Type  EventType
	Key   string
	Value []byte
}

// Store is the put/get/watch-prefix/put-with-lease/delete/keepalive
// contract the core consumes from the external metastore (spec §6).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	PutWithLease(ctx context.Context, key string, value []byte, ttl time.Duration) (leaseID string, err error)
	Keepalive(ctx context.Context, leaseID string) error
	Delete(ctx context.Context, key string) error
	WatchPrefix(ctx context.Context, prefix string) (<-chan Event, error)
	Close() error
}

// RedisStore is the Store implementation backed by github.com/go-redis/redis/v8,
// the teacher's own metadata-store dependency (internal/store/redis.go).
type RedisStore struct {
	client *redis.Client
}

// New dials addr and verifies connectivity, mirroring
// store.NewRedisStore's "ping on construction" shape.
func New(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("metastore: redis connection failed: %w", err)
	}
	if err := client.ConfigSet(context.Background(), "notify-keyspace-events", "KEA").Err(); err != nil {
		logging.Op().Warn("metastore: could not enable keyspace notifications, WatchPrefix will not see events", "err", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Get returns the value stored at key, or (nil, nil) if absent.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return v, err
}

// Put writes key=value with no expiry.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, key, value, 0).Err()
}

// PutWithLease writes key=value with a ttl-bound lease; leaseID is the key
// itself, since a Redis key's own expiry *is* its lease in this mapping.
func (s *RedisStore) PutWithLease(ctx context.Context, key string, value []byte, ttl time.Duration) (string, error) {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return "", fmt.Errorf("metastore: put with lease: %w", err)
	}
	return key, nil
}

// Keepalive refreshes the lease (TTL) on leaseID without touching the value.
func (s *RedisStore) Keepalive(ctx context.Context, leaseID string) error {
	ttl, err := s.client.TTL(ctx, leaseID).Result()
	if err != nil {
		return fmt.Errorf("metastore: keepalive TTL lookup: %w", err)
	}
	if ttl <= 0 {
		return fmt.Errorf("metastore: keepalive: lease %q has no active TTL", leaseID)
	}
	return s.client.Expire(ctx, leaseID, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// WatchPrefix subscribes to keyspace notifications for every key under
// prefix and translates them into ordered Put/Delete events. The returned
// channel is closed when ctx is cancelled.
func (s *RedisStore) WatchPrefix(ctx context.Context, prefix string) (<-chan Event, error) {
	pattern := fmt.Sprintf("__keyevent@%d__:*", s.client.Options().DB)
	sub := s.client.PSubscribe(ctx, pattern)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("metastore: subscribe keyspace events: %w", err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				// channel is __keyevent@N__:<cmd>, payload is the key name.
				key := msg.Payload
				if !strings.HasPrefix(key, prefix) {
					continue
				}
				idx := strings.LastIndex(msg.Channel, ":")
				cmd := ""
				if idx >= 0 {
					cmd = msg.Channel[idx+1:]
				}
				switch cmd {
				case "set", "setex", "psetex", "rename_to", "restore":
					val, err := s.Get(ctx, key)
					if err != nil {
						logging.Op().Warn("metastore: watch-prefix get-on-notify failed", "key", key, "err", err)
						continue
					}
					out <- Event{Type: EventPut, Key: key, Value: val}
				case "del", "expired", "evicted":
					out <- Event{Type: EventDelete, Key: key}
				}
			}
		}
	}()
	return out, nil
}
