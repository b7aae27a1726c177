package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/squadron-hq/squadron/pkg/metrics"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/registry"
)

// Handler processes one canonical event. Handler errors are logged by the
// router and never stop the dispatch loop.
type Handler func(ctx context.Context, event models.Event) error

// DeliveryFence is the atomic first-writer-wins dedup barrier. Implemented
// by the registry over the processed_deliveries table.
type DeliveryFence interface {
	MarkDeliverySeen(ctx context.Context, deliveryID string) error
}

// Router drains a bounded event channel with a single consumer goroutine.
// Handlers for one event run sequentially in registration order; events with
// a previously seen delivery id are dropped before any handler runs.
type Router struct {
	logger *slog.Logger
	fence  DeliveryFence

	queue chan models.Event

	mu       sync.RWMutex
	handlers map[models.EventType][]Handler

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRouter creates a Router with the given channel capacity.
func NewRouter(fence DeliveryFence, queueSize int, logger *slog.Logger) *Router {
	return &Router{
		logger:   logger.With("component", "router"),
		fence:    fence,
		queue:    make(chan models.Event, queueSize),
		handlers: make(map[models.EventType][]Handler),
		stopCh:   make(chan struct{}),
	}
}

// On registers a handler for an event type. Multiple handlers per type run
// in registration order. Registration happens before Start.
func (r *Router) On(eventType models.EventType, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = append(r.handlers[eventType], handler)
}

// Publish enqueues an event. The enqueue blocks when the channel is full so
// upstream ingestion applies back-pressure instead of dropping events.
func (r *Router) Publish(ctx context.Context, event models.Event) error {
	select {
	case r.queue <- event:
		metrics.EventsPublished.WithLabelValues(string(event.Type)).Inc()
		return nil
	case <-r.stopCh:
		return errors.New("router stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the consumer loop.
func (r *Router) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.consume(ctx)
	r.logger.Info("event router started", "queue_size", cap(r.queue))
}

// Stop shuts the router down. The event currently being dispatched finishes;
// events still queued are discarded.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	r.logger.Info("event router stopped")
}

func (r *Router) consume(ctx context.Context) {
	defer r.wg.Done()
	for {
		// Check the stop signal first so a queued backlog cannot starve
		// shutdown when both channels are ready.
		select {
		case <-r.stopCh:
			return
		default:
		}
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case event := <-r.queue:
			r.dispatch(ctx, event)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, event models.Event) {
	if event.Type == models.EventTypeUnknown {
		r.logger.Debug("dropping unknown event", "delivery_id", event.DeliveryID)
		return
	}

	if err := r.fence.MarkDeliverySeen(ctx, event.DeliveryID); err != nil {
		if errors.Is(err, registry.ErrDuplicateDelivery) {
			r.logger.Debug("dropping duplicate delivery",
				"delivery_id", event.DeliveryID, "type", event.Type)
			metrics.EventsDeduplicated.Inc()
			return
		}
		r.logger.Error("delivery dedup check failed, dropping event",
			"delivery_id", event.DeliveryID, "error", err)
		return
	}

	r.mu.RLock()
	handlers := r.handlers[event.Type]
	r.mu.RUnlock()

	start := time.Now()
	for i, handler := range handlers {
		r.invoke(ctx, handler, i, event)
	}
	metrics.EventDispatchDuration.WithLabelValues(string(event.Type)).Observe(time.Since(start).Seconds())
}

// invoke runs one handler, converting panics and errors into log records so
// a bad handler cannot kill the dispatch loop.
func (r *Router) invoke(ctx context.Context, handler Handler, index int, event models.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panicked",
				"type", event.Type, "delivery_id", event.DeliveryID,
				"handler_index", index, "panic", rec)
		}
	}()
	if err := handler(ctx, event); err != nil {
		r.logger.Error("handler failed",
			"type", event.Type, "delivery_id", event.DeliveryID,
			"handler_index", index, "error", err)
	}
}
