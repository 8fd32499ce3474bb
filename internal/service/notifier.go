package service

import (
	"context"
	"encoding/json"
	"time"

	"expflow/pkg/constraints"
	"expflow/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Notification tells experiment owners that a publication needs their
// attention, e.g. after a reviewer rejected it.
type Notification struct {
	Slug          string                    `json:"slug"`
	Application   constraints.Application   `json:"application"`
	Action        string                    `json:"action"`
	Status        constraints.Status        `json:"status"`
	PublishStatus constraints.PublishStatus `json:"publish_status"`
	Owner         string                    `json:"owner"`
	Actor         string                    `json:"actor"`
	Comment       string                    `json:"comment,omitempty"`
	At            time.Time                 `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NewNotifier publishes on channel, or only logs when channel is empty.
func NewNotifier(rdb redis.Cmdable, channel string) Notifier {
	if channel == "" {
		logger.Warn("notifications.channel is empty, notifications are only logged")
		return LogNotifier{}
	}
	return NewRedisNotifier(rdb, channel)
}

// RedisNotifier publishes notifications on a pub/sub channel.
type RedisNotifier struct {
	redis   redis.Cmdable
	channel string
}

func NewRedisNotifier(rdb redis.Cmdable, channel string) *RedisNotifier {
	return &RedisNotifier{redis: rdb, channel: channel}
}

func (n *RedisNotifier) Notify(ctx context.Context, msg Notification) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return n.redis.Publish(ctx, n.channel, data).Err()
}

// LogNotifier only logs.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, msg Notification) error {
	logger.Info("notification",
		zap.String("slug", msg.Slug),
		zap.String("action", msg.Action),
		zap.String("owner", msg.Owner),
		zap.String("comment", msg.Comment))
	return nil
}
