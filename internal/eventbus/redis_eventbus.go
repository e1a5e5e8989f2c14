package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const consumerGroup = "installment-engine"

// RedisEventBus implements EventBus on Redis streams with a consumer group,
// so webhook relays and engine workers get at-least-once delivery.
type RedisEventBus struct {
	client      *redis.Client
	logger      *zap.Logger
	subscribers map[string][]*redisSubscription
	mutex       sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type redisSubscription struct {
	id      string
	topic   string
	handler EventHandler
	bus     *RedisEventBus
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewRedisEventBus connects to Redis and verifies the connection.
func NewRedisEventBus(addr, password string, db int, logger *zap.Logger) (*RedisEventBus, error) {
	ctx, cancel := context.WithCancel(context.Background())
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisEventBus{
		client:      client,
		logger:      logger,
		subscribers: make(map[string][]*redisSubscription),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Publish appends the event to the topic's stream as a JSON payload.
func (r *RedisEventBus) Publish(ctx context.Context, topic string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{"payload": data},
	}).Err()
}

// Subscribe starts a consumer-group reader for the topic.
func (r *RedisEventBus) Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
		bus:     r,
		ctx:     subCtx,
		cancel:  cancel,
	}

	r.mutex.Lock()
	r.subscribers[topic] = append(r.subscribers[topic], sub)
	r.mutex.Unlock()

	go r.consumeStream(sub)
	return sub, nil
}

func (r *RedisEventBus) consumeStream(sub *redisSubscription) {
	consumerName := "worker-" + sub.id

	// Idempotent group creation; BUSYGROUP means it already exists.
	_ = r.client.XGroupCreateMkStream(sub.ctx, sub.topic, consumerGroup, "0").Err()

	r.logger.Info("started stream consumer",
		zap.String("topic", sub.topic),
		zap.String("group", consumerGroup))

	for {
		select {
		case <-sub.ctx.Done():
			return
		default:
			streams, err := r.client.XReadGroup(sub.ctx, &redis.XReadGroupArgs{
				Group:    consumerGroup,
				Consumer: consumerName,
				Streams:  []string{sub.topic, ">"},
				Count:    10,
				Block:    2 * time.Second,
			}).Result()

			if err != nil {
				if err != redis.Nil && sub.ctx.Err() == nil {
					r.logger.Error("failed to read stream", zap.Error(err))
				}
				time.Sleep(100 * time.Millisecond)
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					if err := r.handleMessage(sub, msg); err != nil {
						r.logger.Error("failed to process message",
							zap.String("msg_id", msg.ID),
							zap.String("topic", sub.topic),
							zap.Error(err))
						// No ack: the message stays in the pending entries
						// list for redelivery.
					} else {
						r.client.XAck(sub.ctx, sub.topic, consumerGroup, msg.ID)
					}
				}
			}
		}
	}
}

func (r *RedisEventBus) handleMessage(sub *redisSubscription, msg redis.XMessage) error {
	payloadStr, ok := msg.Values["payload"].(string)
	if !ok {
		return fmt.Errorf("invalid payload format")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(payloadStr), &event); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	event["_msg_id"] = msg.ID

	return sub.handler(sub.ctx, event)
}

// Close stops all consumers and closes the client.
func (r *RedisEventBus) Close() error {
	r.cancel()
	r.mutex.Lock()
	for _, subs := range r.subscribers {
		for _, s := range subs {
			s.cancel()
		}
	}
	r.mutex.Unlock()
	return r.client.Close()
}

func (s *redisSubscription) ID() string    { return s.id }
func (s *redisSubscription) Topic() string { return s.topic }
func (s *redisSubscription) Unsubscribe() error {
	s.cancel()
	return nil
}
