package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultRedisChannel is the pub/sub channel events are mirrored to.
const DefaultRedisChannel = "panopticon.events"

// RedisSink mirrors the feed onto a Redis pub/sub channel so out-of-process
// consumers can observe it. It is an ordinary subscriber and inherits the
// broadcaster's overflow policy.
type RedisSink struct {
	client  *redis.Client
	channel string
	timeout time.Duration
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	if strings.TrimSpace(channel) == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSink{client: client, channel: channel, timeout: 2 * time.Second}
}

func (s *RedisSink) Channel() string { return s.channel }

// Run forwards events until ctx ends or the subscription is dropped.
func (s *RedisSink) Run(ctx context.Context, b *Broadcaster) error {
	sub := b.Subscribe()
	defer sub.Close()
	log.Info().Str("channel", s.channel).Msg("events.RedisSink started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
			log.Warn().Str("channel", s.channel).Msg("events.RedisSink subscription dropped")
			return nil
		case ev := <-sub.Events():
			s.forward(ctx, ev)
		}
	}
}

func (s *RedisSink) forward(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", string(ev.Type)).Msg("events.RedisSink marshal failed")
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Publish(pubCtx, s.channel, payload).Err(); err != nil {
		log.Warn().Err(err).Str("type", string(ev.Type)).Msg("events.RedisSink publish failed")
	}
}
