package typing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the redis pub/sub channel for typing signals.
const DefaultChannel = "dmsync:typing"

// Signal is a typing change announced to other clients. Origin identifies
// the sending process so it can ignore its own echoes.
type Signal struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
	Origin         string `json:"origin"`
}

// Broadcaster fans typing signals out to other clients.
type Broadcaster interface {
	Broadcast(ctx context.Context, s Signal) error
	// Listen delivers signals to fn until ctx is done.
	Listen(ctx context.Context, fn func(Signal)) error
}

// BusBroadcaster carries signals between clients sharing one bus.
type BusBroadcaster struct {
	bus *bus.Bus
}

// NewBusBroadcaster creates a broadcaster over b.
func NewBusBroadcaster(b *bus.Bus) *BusBroadcaster {
	return &BusBroadcaster{bus: b}
}

// Broadcast implements Broadcaster.
func (b *BusBroadcaster) Broadcast(_ context.Context, s Signal) error {
	b.bus.Publish(bus.Event{
		Kind:      bus.Scoped(bus.KindTyping, s.ConversationID),
		Timestamp: time.Now(),
		Payload:   s,
	})
	return nil
}

// Listen implements Broadcaster.
func (b *BusBroadcaster) Listen(ctx context.Context, fn func(Signal)) error {
	ch, unsub := b.bus.Subscribe(bus.KindTyping, 64)
	defer unsub()
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if s, ok := evt.Payload.(Signal); ok {
				fn(s)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// RedisBroadcaster carries signals between processes over redis pub/sub.
type RedisBroadcaster struct {
	rdb     *redis.Client
	channel string
}

// NewRedisBroadcaster creates a broadcaster on the given channel.
func NewRedisBroadcaster(rdb *redis.Client, channel string) *RedisBroadcaster {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBroadcaster{rdb: rdb, channel: channel}
}

// Broadcast implements Broadcaster.
func (r *RedisBroadcaster) Broadcast(ctx context.Context, s Signal) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode typing signal: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish typing signal: %w", err)
	}
	return nil
}

// Listen implements Broadcaster. Malformed payloads are skipped.
func (r *RedisBroadcaster) Listen(ctx context.Context, fn func(Signal)) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }()

	// Wait for the subscription to be confirmed before reading.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var s Signal
			if err := json.Unmarshal([]byte(msg.Payload), &s); err != nil {
				continue
			}
			fn(s)
		case <-ctx.Done():
			return nil
		}
	}
}
