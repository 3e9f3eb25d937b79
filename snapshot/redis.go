package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrNotMirrored is returned by Latest when no snapshot was published for a store.
var ErrNotMirrored = errors.New("snapshot: no mirrored snapshot for store")

// RedisOptions configures a RedisMirror.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int

	KeyPrefix string // default "listing-snapshot"
	Channel   string // default "listing-snapshot:updated"
}

// RedisMirror keeps the latest snapshot per store in Redis and announces every new
// one on a pub/sub channel for live consumers.
type RedisMirror struct {
	client  *redis.Client
	prefix  string
	channel string
	log     *zap.Logger
}

// Notice is the pub/sub payload.
type Notice struct {
	Store       string    `json:"store"`
	GeneratedAt time.Time `json:"generatedAt"`
	Items       int       `json:"items"`
	Key         string    `json:"key"`
}

func NewRedisMirror(ctx context.Context, opts RedisOptions, log *zap.Logger) (*RedisMirror, error) {
	if opts.Addr == "" {
		return nil, errors.New("REDIS_ADDR is required for the snapshot mirror")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newRedisMirror(client, opts, log), nil
}

func newRedisMirror(client *redis.Client, opts RedisOptions, log *zap.Logger) *RedisMirror {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "listing-snapshot"
	}
	if opts.Channel == "" {
		opts.Channel = opts.KeyPrefix + ":updated"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisMirror{client: client, prefix: opts.KeyPrefix, channel: opts.Channel, log: log}
}

func (m *RedisMirror) key(store string) string { return m.prefix + ":" + store }

// Publish stores s under <prefix>:<store>, adds the store to <prefix>:stores and
// publishes a Notice. The three commands run in one MULTI/EXEC.
func (m *RedisMirror) Publish(ctx context.Context, s Snapshot) error {
	doc, err := Encode(s)
	if err != nil {
		return err
	}
	key := m.key(s.Store)
	notice, err := json.Marshal(Notice{Store: s.Store, GeneratedAt: s.GeneratedAt, Items: len(s.Items), Key: key})
	if err != nil {
		return err
	}
	_, err = m.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, key, doc, 0)
		p.SAdd(ctx, m.prefix+":stores", s.Store)
		p.Publish(ctx, m.channel, notice)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis mirror publish: %w", err)
	}
	m.log.Info("snapshot mirrored", zap.String("key", key), zap.Int("items", len(s.Items)))
	return nil
}

// Latest fetches the mirrored snapshot of store.
func (m *RedisMirror) Latest(ctx context.Context, store string) (Snapshot, error) {
	b, err := m.client.Get(ctx, m.key(store)).Bytes()
	if err == redis.Nil {
		return Snapshot{}, ErrNotMirrored
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("redis mirror get: %w", err)
	}
	return Decode(b)
}

func (m *RedisMirror) Close() error {
	if m.client == nil {
		return nil
	}
	return m.client.Close()
}
