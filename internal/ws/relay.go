package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Relay carries hub fan-outs between gateway processes over a Redis
// pub/sub channel. Each process ignores envelopes it published itself.
type Relay struct {
	rdb        redis.UniversalClient
	channel    string
	instanceID string
	hub        *Hub
}

func NewRelay(rdb redis.UniversalClient, channel string, hub *Hub) *Relay {
	return &Relay{
		rdb:        rdb,
		channel:    channel,
		instanceID: uuid.NewString(),
		hub:        hub,
	}
}

func (r *Relay) InstanceID() string { return r.instanceID }

func (r *Relay) Publish(ctx context.Context, env Envelope) error {
	env.Origin = r.instanceID
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return r.rdb.Publish(ctx, r.channel, b).Err()
}

// Run subscribes to the relay channel and delivers remote fan-outs to local
// clients until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("relay subscribe: %w", err)
	}
	log.Info().Str("component", "relay").Str("channel", r.channel).Str("instance", r.instanceID).Msg("relay subscribed")

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Warn().Err(err).Str("component", "relay").Msg("dropping malformed envelope")
				continue
			}
			if env.Origin == r.instanceID {
				continue
			}
			r.hub.DeliverLocal(env)
		}
	}
}
