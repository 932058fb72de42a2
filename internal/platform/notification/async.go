package notification

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AsyncDispatcher queues events for a background worker so Notify never
// blocks a request or a transaction. A full queue drops the event.
type AsyncDispatcher struct {
	next    Dispatcher
	queue   chan Event
	logger  zerolog.Logger
	timeout time.Duration

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewAsyncDispatcher(next Dispatcher, size int, logger zerolog.Logger) *AsyncDispatcher {
	if size <= 0 {
		size = 256
	}
	d := &AsyncDispatcher{
		next:    next,
		queue:   make(chan Event, size),
		logger:  logger,
		timeout: 10 * time.Second,
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *AsyncDispatcher) run() {
	defer d.wg.Done()
	for evt := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		d.next.Notify(ctx, evt)
		cancel()
	}
}

func (d *AsyncDispatcher) Notify(_ context.Context, evt Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	select {
	case d.queue <- evt:
	default:
		d.logger.Warn().Str("event", string(evt.Type)).Str("tenant_id", evt.TenantID).Msg("notification queue full, event dropped")
	}
}

// Close drains queued events and stops the worker. Notify must not be called
// after Close.
func (d *AsyncDispatcher) Close() {
	d.closeOnce.Do(func() { close(d.queue) })
	d.wg.Wait()
}
