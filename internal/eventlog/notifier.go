package eventlog

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Notifier delivers recorded events to downstream systems.
type Notifier interface {
	Send(ctx context.Context, ev Event) error
}

// LoggerNotifier writes events to the structured logger.
type LoggerNotifier struct {
	logger *zap.Logger
}

func NewLoggerNotifier(logger *zap.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

func (n *LoggerNotifier) Send(_ context.Context, ev Event) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("event", zap.String("kind", ev.Kind), zap.Uint64("seq", ev.Seq), zap.ByteString("payload", ev.Payload))
	return nil
}

// StreamNotifier mirrors events onto a Redis stream, capped at roughly maxLen entries.
type StreamNotifier struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

func NewStreamNotifier(client redis.Cmdable, stream string, maxLen int64) *StreamNotifier {
	if stream == "" {
		stream = "chatpoints:events"
	}
	return &StreamNotifier{client: client, stream: stream, maxLen: maxLen}
}

func (n *StreamNotifier) Send(ctx context.Context, ev Event) error {
	args := &redis.XAddArgs{
		Stream: n.stream,
		Values: map[string]interface{}{
			"seq":     ev.Seq,
			"kind":    ev.Kind,
			"payload": string(ev.Payload),
			"at":      ev.At.UnixMilli(),
		},
	}
	if n.maxLen > 0 {
		args.MaxLen = n.maxLen
		args.Approx = true
	}
	return n.client.XAdd(ctx, args).Err()
}
