package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/proctor-engine/internal/metrics"
)

const (
	defaultQueueSize = 256
	sendTimeout      = 5 * time.Second
	shutdownTimeout  = 5 * time.Second
)

// Dispatcher queues notifications and delivers them to a sink on a
// background worker. Enqueue never blocks; when the queue is full the oldest
// pending notification is dropped.
type Dispatcher struct {
	sink    Sink
	queue   chan Notification
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   func() time.Time
}

// NewDispatcher starts a dispatcher. queueSize <= 0 uses a default.
func NewDispatcher(sink Sink, queueSize int, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	d := &Dispatcher{
		sink:    sink,
		queue:   make(chan Notification, queueSize),
		stop:    make(chan struct{}),
		logger:  logger,
		metrics: m,
		clock:   time.Now,
	}

	d.wg.Add(1)
	go d.run()

	return d
}

// Enqueue schedules n for delivery.
func (d *Dispatcher) Enqueue(n Notification) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.clock().UTC()
	}

	select {
	case <-d.stop:
		d.logger.Warn("Notification dropped after shutdown", "session_id", n.SessionID, "type", n.Type)
		d.metrics.NotificationDropped()
		return
	default:
	}

	select {
	case d.queue <- n:
		return
	default:
	}

	d.logger.Warn("Notification queue full, dropping oldest",
		"session_id", n.SessionID,
		"queue_len", len(d.queue),
	)
	select {
	case dropped := <-d.queue:
		d.metrics.NotificationDropped()
		d.logger.Debug("Dropped notification", "session_id", dropped.SessionID, "type", dropped.Type)
	default:
	}

	select {
	case d.queue <- n:
	default:
		d.metrics.NotificationDropped()
		d.logger.Warn("Failed to queue notification after backpressure", "session_id", n.SessionID)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case n := <-d.queue:
			d.deliver(n)
		case <-d.stop:
			// Deliver what is already queued, then exit.
			for {
				select {
				case n := <-d.queue:
					d.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	start := time.Now()
	if err := d.sink.Send(ctx, n); err != nil {
		d.metrics.NotificationFailed()
		d.logger.Warn("Notification delivery failed",
			"error", err,
			"session_id", n.SessionID,
			"participant_id", n.ParticipantID,
			"type", n.Type,
		)
		return
	}
	d.metrics.NotificationSent(string(n.Type))

	if elapsed := time.Since(start); elapsed > time.Second {
		d.logger.Warn("Slow notification sink", "session_id", n.SessionID, "duration_ms", elapsed.Milliseconds())
	}
}

// Close stops accepting notifications and waits for queued ones to be delivered.
func (d *Dispatcher) Close() error {
	d.once.Do(func() { close(d.stop) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		d.logger.Warn("Notification dispatcher shutdown timeout", "queue_remaining", len(d.queue))
	}
	return nil
}

// Pending returns the number of queued notifications.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}
