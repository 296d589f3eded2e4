/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bus

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v9"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithFields(logrus.Fields{"component": "bus"})

// RedisBus is the production Bus implementation: cross-instance fan-out
// by subject via Redis pub/sub (spec §6 "cross-instance fan-out is by
// subject").
type RedisBus struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// NewRedisBus wraps an existing client. The client's lifecycle is owned
// by the caller.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, subs: make(map[string]*redis.PubSub)}
}

func (b *RedisBus) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := b.client.Publish(ctx, subject, payload).Err(); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, subject)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, trace.Wrap(err)
	}

	b.mu.Lock()
	b.subs[subject] = pubsub
	b.mu.Unlock()

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(ctx, Message{Subject: msg.Channel, Payload: []byte(msg.Payload)})
			case <-ctx.Done():
				return
			}
		}
	}()

	return &redisSubscription{pubsub: pubsub}, nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var lastErr error
	for subject, pubsub := range b.subs {
		if err := pubsub.Close(); err != nil {
			log.WithError(err).WithField("subject", subject).Warn("failed to close subscription")
			lastErr = err
		}
	}
	b.subs = make(map[string]*redis.PubSub)
	return trace.Wrap(lastErr)
}

type redisSubscription struct {
	pubsub *redis.PubSub
}

func (s *redisSubscription) Unsubscribe() error {
	return trace.Wrap(s.pubsub.Close())
}
