package redisstore

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/pawcare/portal/internal/events"
)

// Bus fans chat events out to every API instance over one pub/sub channel.
// Delivery is at most once; clients recover missed events by refetching.
type Bus struct {
	client  *redis.Client
	channel string
}

var _ events.Bus = (*Bus)(nil)

func NewBus(client *redis.Client, channel string) *Bus {
	return &Bus{client: client, channel: channel}
}

func (b *Bus) Publish(ctx context.Context, ev events.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode bus event")
	}
	return b.client.Publish(ctx, b.channel, body).Err()
}

func (b *Bus) Subscribe(ctx context.Context) (<-chan events.Event, error) {
	ps := b.client.Subscribe(ctx, b.channel)
	// wait for the subscription to be confirmed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrapf(err, "subscribe %s", b.channel)
	}

	out := make(chan events.Event, 256)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var ev events.Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					log.Warn().Err(err).Str("component", "redis-bus").Msg("dropping malformed bus event")
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
