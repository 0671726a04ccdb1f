package events

import (
	"context"
	"sync"
	"time"

	"github.com/custodial/settlement_service/internal/domain/entities"
	"github.com/custodial/settlement_service/pkg/logger"
	"github.com/custodial/settlement_service/pkg/metrics"
	"github.com/custodial/settlement_service/pkg/retry"
)

// AsyncPublisher hands events to a background goroutine so callers never
// wait on the broker. When the buffer is full the event is dropped and logged.
type AsyncPublisher struct {
	next    Publisher
	queue   chan *entities.BalanceChangedEvent
	retrier *retry.Retrier
	logger  *logger.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncPublisher starts the delivery goroutine
func NewAsyncPublisher(next Publisher, bufferSize int, log *logger.Logger) *AsyncPublisher {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	p := &AsyncPublisher{
		next:    next,
		queue:   make(chan *entities.BalanceChangedEvent, bufferSize),
		retrier: retry.NewRetrier(retry.DefaultPolicy(), log.Zap()),
		logger:  log,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish enqueues the event without blocking
func (p *AsyncPublisher) Publish(_ context.Context, event *entities.BalanceChangedEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		metrics.EventsPublishedTotal.WithLabelValues("dropped").Inc()
		p.logger.Warn("Publisher closed, dropping balance event", "event_id", event.EventID)
		return nil
	}

	select {
	case p.queue <- event:
	default:
		metrics.EventsPublishedTotal.WithLabelValues("dropped").Inc()
		p.logger.Warn("Event buffer full, dropping balance event",
			"event_id", event.EventID, "user_id", event.UserID, "op", event.Op)
	}
	return nil
}

func (p *AsyncPublisher) run() {
	defer close(p.done)
	for event := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.retrier.Do(ctx, func(ctx context.Context) error {
			return p.next.Publish(ctx, event)
		})
		cancel()

		if err != nil {
			metrics.EventsPublishedTotal.WithLabelValues("failed").Inc()
			p.logger.Error("Failed to publish balance event",
				"error", err, "event_id", event.EventID, "user_id", event.UserID)
			continue
		}
		metrics.EventsPublishedTotal.WithLabelValues("published").Inc()
	}
}

// Close drains buffered events and closes the underlying publisher
func (p *AsyncPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.next.Close()
}
