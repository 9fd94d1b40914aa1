package pubsub

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// DefaultChannel carries every broadcast payload
const DefaultChannel = "pricehub:prices"

type Publisher struct {
	client *redis.Client
	logger *logrus.Logger
}

func NewPublisher(client *redis.Client, logger *logrus.Logger) *Publisher {
	return &Publisher{
		client: client,
		logger: logger,
	}
}

// PublishPayload publishes an already serialized payload to a Redis channel
func (p *Publisher) PublishPayload(ctx context.Context, channel string, data []byte) error {
	receivers, err := p.client.Publish(ctx, channel, data).Result()
	if err != nil {
		return err
	}
	p.logger.Debugf("Published %d bytes to %s (%d receivers)", len(data), channel, receivers)
	return nil
}
