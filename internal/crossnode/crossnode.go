// Package crossnode provides the pluggable cross-node fan-out hook and a
// distributed idempotency backstop, both backed by Redis. A local,
// single-node deployment runs with Hub disabled: fan-out stays local and
// the idempotency guarantee rests entirely on the database's unique
// index.
package crossnode

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/streamspace/relaycore/internal/logger"
)

// Config mirrors the connection shape used elsewhere for Redis-backed
// components.
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// Handler processes a cross-node room fan-out envelope received from a
// peer node.
type Handler func(roomID string, payload []byte)

// Hub is the pluggable pub/sub interface: publish(roomId, payload) and
// subscribe(roomId, handler). No code in this module calls Publish or
// Subscribe: room fan-out reaches only the local node's sockets. Sticky
// sessions by connection are still required at the load balancer so a
// user's sockets all land on one node.
type Hub struct {
	client  *redis.Client
	enabled bool

	subs map[string][]Handler
}

func NewHub(cfg Config) *Hub {
	if !cfg.Enabled {
		return &Hub{enabled: false}
	}
	client := redis.NewClient(&redis.Options{
		Addr:            fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        25,
		MinIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Log.Warn().Err(err).Msg("failed to connect to redis, cross-node fan-out disabled")
		return &Hub{enabled: false}
	}
	return &Hub{client: client, enabled: true, subs: make(map[string][]Handler)}
}

func (h *Hub) IsEnabled() bool { return h.enabled }

func (h *Hub) Close() error {
	if h.client == nil {
		return nil
	}
	return h.client.Close()
}

func roomChannel(roomID string) string {
	return "relaycore:room:" + roomID
}

// Publish mirrors a room fan-out envelope to every other node. No-op when
// the hub is disabled.
func (h *Hub) Publish(ctx context.Context, roomID string, payload interface{}) error {
	if !h.enabled {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return h.client.Publish(ctx, roomChannel(roomID), data).Err()
}

// Subscribe registers handler for roomID's channel, starting a background
// subscription the first time roomID is subscribed to on this process.
func (h *Hub) Subscribe(ctx context.Context, roomID string, handler Handler) {
	if !h.enabled {
		return
	}
	channel := roomChannel(roomID)
	sub := h.client.Subscribe(ctx, channel)
	go func() {
		ch := sub.Channel()
		for msg := range ch {
			handler(roomID, []byte(msg.Payload))
		}
	}()
	h.subs[channel] = append(h.subs[channel], handler)
}

// IdempotencyLock is a distributed SetNX-based backstop for the
// (senderId, clientMessageId) atomicity guarantee across nodes, advisory
// ahead of the database's authoritative unique index.
type IdempotencyLock struct {
	client  *redis.Client
	enabled bool
	ttl     time.Duration
}

func NewIdempotencyLock(hub *Hub, ttl time.Duration) *IdempotencyLock {
	return &IdempotencyLock{client: hub.client, enabled: hub.enabled, ttl: ttl}
}

// TryAcquire attempts to claim (senderId, clientMessageId) across the
// cluster. Returns true if this call won the race (or the lock is
// disabled, in which case every caller "wins" and the database index is
// the sole guard).
func (l *IdempotencyLock) TryAcquire(ctx context.Context, senderID, clientMessageID string) (bool, error) {
	if !l.enabled || clientMessageID == "" {
		return true, nil
	}
	key := "relaycore:idem:" + senderID + ":" + clientMessageID
	return l.client.SetNX(ctx, key, "1", l.ttl).Result()
}
