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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubjectFormatsKindPrincipalAndStream(t *testing.T) {
	t.Parallel()
	require.Equal(t, "uaip.agent.agent-1.cmd", Subject("agent", "agent-1", StreamCommand))
	require.Equal(t, "uaip.device.dev-1.evt", Subject("device", "dev-1", StreamEvent))
}

func TestMemoryBusDeliversToSubscriber(t *testing.T) {
	t.Parallel()

	b := NewMemoryBus()
	received := make(chan Message, 1)
	sub, err := b.Subscribe(context.Background(), "uaip.agent.a1.evt", func(ctx context.Context, msg Message) {
		received <- msg
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(context.Background(), "uaip.agent.a1.evt", []byte("hello")))

	msg := <-received
	require.Equal(t, "uaip.agent.a1.evt", msg.Subject)
	require.Equal(t, []byte("hello"), msg.Payload)
}

func TestMemoryBusFansOutToMultipleSubscribers(t *testing.T) {
	t.Parallel()

	b := NewMemoryBus()
	var mu sync.Mutex
	var count int

	for i := 0; i < 3; i++ {
		_, err := b.Subscribe(context.Background(), "uaip.agent.a1.evt", func(ctx context.Context, msg Message) {
			mu.Lock()
			defer mu.Unlock()
			count++
		})
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish(context.Background(), "uaip.agent.a1.evt", []byte("x")))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, count)
}

func TestMemoryBusDoesNotDeliverToOtherSubjects(t *testing.T) {
	t.Parallel()

	b := NewMemoryBus()
	delivered := false
	_, err := b.Subscribe(context.Background(), "uaip.agent.a1.evt", func(ctx context.Context, msg Message) {
		delivered = true
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "uaip.agent.a2.evt", []byte("x")))
	require.False(t, delivered)
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	b := NewMemoryBus()
	delivered := false
	sub, err := b.Subscribe(context.Background(), "uaip.agent.a1.evt", func(ctx context.Context, msg Message) {
		delivered = true
	})
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish(context.Background(), "uaip.agent.a1.evt", []byte("x")))
	require.False(t, delivered)
}

func TestMemoryBusCloseClearsAllSubscriptions(t *testing.T) {
	t.Parallel()

	b := NewMemoryBus()
	delivered := false
	_, err := b.Subscribe(context.Background(), "uaip.agent.a1.evt", func(ctx context.Context, msg Message) {
		delivered = true
	})
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Publish(context.Background(), "uaip.agent.a1.evt", []byte("x")))
	require.False(t, delivered)
}

func TestMemoryBusPreservesPerSubjectOrder(t *testing.T) {
	t.Parallel()

	b := NewMemoryBus()
	var mu sync.Mutex
	var order []int

	_, err := b.Subscribe(context.Background(), "uaip.agent.a1.evt", func(ctx context.Context, msg Message) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, int(msg.Payload[0]))
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), "uaip.agent.a1.evt", []byte{byte(i)}))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}
