package events

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"

	"github.com/Obscura-Network/gateway_layer/pkg/logger"
)

// RedisPublisher mirrors bus events onto a Redis pub/sub channel so other
// processes can observe the gateway lifecycle. Publishing is best-effort; a
// Redis outage never blocks the request path.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	cancel  func()
	done    chan struct{}
	log     *logger.Logger
}

// NewRedisPublisher connects to Redis and starts mirroring bus events onto
// channel until Stop is called.
func NewRedisPublisher(bus *Bus, addr, password string, db int, channel string, log *logger.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, err
	}
	if log == nil {
		log = logger.NewDefault("events.redis")
	}

	ch, cancel := bus.Subscribe(64)
	p := &RedisPublisher{
		client:  client,
		channel: channel,
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     log,
	}

	go p.run(ch)
	return p, nil
}

func (p *RedisPublisher) run(ch <-chan Event) {
	defer close(p.done)
	for evt := range ch {
		payload, err := json.Marshal(evt)
		if err != nil {
			p.log.WithError(err).Warn("failed to encode event")
			continue
		}
		if err := p.client.Publish(context.Background(), p.channel, payload).Err(); err != nil {
			p.log.WithError(err).WithField("event_type", evt.Type).Warn("failed to publish event to redis")
		}
	}
}

// Stop unsubscribes from the bus, drains the worker and closes the client.
func (p *RedisPublisher) Stop() error {
	p.cancel()
	<-p.done
	return p.client.Close()
}
