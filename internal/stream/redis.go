package stream

import (
	"context"
	"fmt"

	"github.com/linkedge/linkedge/internal/redis"
)

// RedisSource reads {type,data} envelopes from a Redis pub/sub channel.
// Pub/sub has no replay, so lastEventID is ignored; authorities that need
// catch-up publish a snapshot.
type RedisSource struct {
	client  redis.Client
	channel string
}

// NewRedisSource returns a source subscribed to channel.
func NewRedisSource(client redis.Client, channel string) *RedisSource {
	return &RedisSource{client: client, channel: channel}
}

func (s *RedisSource) String() string { return "redis " + s.channel }

// Stream implements Source.
func (s *RedisSource) Stream(ctx context.Context, _ string, sink Sink) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer func() {
		_ = sub.Close()
	}()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	sink.Opened()

	// ReceiveMessage does not return on cancellation by itself; closing the
	// subscription unblocks the pending read.
	stop := context.AfterFunc(ctx, func() { _ = sub.Close() })
	defer stop()

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		ev, ok, err := decodeEnvelope([]byte(msg.Payload), "")
		switch {
		case err != nil:
			sink.Discard(err)
		case ok:
			if !sink.Emit(ev) {
				return nil
			}
		}
	}
}
