package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodial/settlement_service/internal/domain/entities"
	"github.com/custodial/settlement_service/internal/infrastructure/config"
	"github.com/custodial/settlement_service/pkg/logger"
)

type recordingPublisher struct {
	mu       sync.Mutex
	events   []*entities.BalanceChangedEvent
	failures int
	closed   bool
}

func (r *recordingPublisher) Publish(_ context.Context, event *entities.BalanceChangedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("broker unavailable")
	}
	r.events = append(r.events, event)
	return nil
}

func (r *recordingPublisher) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestAsyncPublisher_DeliversInOrderAndDrainsOnClose(t *testing.T) {
	next := &recordingPublisher{failures: 1}
	p := NewAsyncPublisher(next, 16, logger.NewNop())

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		ev := &entities.BalanceChangedEvent{EventID: uuid.New(), UserID: uuid.New()}
		ids = append(ids, ev.EventID)
		require.NoError(t, p.Publish(context.Background(), ev))
	}

	require.NoError(t, p.Close())

	require.Len(t, next.events, 5)
	for i, ev := range next.events {
		assert.Equal(t, ids[i], ev.EventID)
	}
	assert.True(t, next.closed)
}

func TestAsyncPublisher_PublishAfterCloseIsDropped(t *testing.T) {
	next := &recordingPublisher{}
	p := NewAsyncPublisher(next, 1, logger.NewNop())
	require.NoError(t, p.Close())

	assert.NoError(t, p.Publish(context.Background(), &entities.BalanceChangedEvent{EventID: uuid.New()}))
	assert.Empty(t, next.events)
	assert.NoError(t, p.Close())
}

func TestNewPublisher_Drivers(t *testing.T) {
	_, err := NewPublisher(eventsConfig("redis"), nil)
	assert.Error(t, err)

	pub, err := NewPublisher(eventsConfig("none"), nil)
	require.NoError(t, err)
	assert.IsType(t, NopPublisher{}, pub)

	_, err = NewPublisher(eventsConfig("carrier-pigeon"), nil)
	assert.Error(t, err)
}

func eventsConfig(driver string) config.EventsConfig {
	return config.EventsConfig{Driver: driver, Stream: "s", KafkaTopic: "t"}
}
