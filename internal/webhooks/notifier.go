package webhooks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xiaogangdengdai/autotask/internal/events"
	"github.com/xiaogangdengdai/autotask/internal/logging"
)

// Source is the subscription side of events.Bus.
type Source interface {
	Subscribe() chan events.Event
	Unsubscribe(ch chan events.Event)
}

// defaultDrainTimeout bounds how long Stop spends delivering events that were
// already buffered when it was called.
const defaultDrainTimeout = 5 * time.Second

// Notifier forwards run and digest events from the bus to the Manager.
// Deliveries happen one event at a time off the scheduler goroutine; events
// arriving while the subscriber buffer is full are dropped by the bus.
//
// Delivery is not tied to the Start context: the last run of a shutdown
// finishes after the root context is cancelled, and its outcome still goes
// out when Stop drains the subscription.
type Notifier struct {
	manager      *Manager
	source       Source
	logger       *slog.Logger
	drainTimeout time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
	running bool
}

// NewNotifier creates a Notifier reading from source.
func NewNotifier(manager *Manager, source Source) *Notifier {
	return &Notifier{
		manager:      manager,
		source:       source,
		logger:       logging.WithComponent("webhooks"),
		drainTimeout: defaultDrainTimeout,
	}
}

// Start subscribes to the bus and delivers until Stop.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return errors.New("notifier already running")
	}

	var deliverCtx context.Context
	deliverCtx, n.cancel = context.WithCancel(context.WithoutCancel(ctx))
	n.stop = make(chan struct{})
	n.done = make(chan struct{})
	n.running = true
	sub := n.source.Subscribe()

	go func(stop, done chan struct{}) {
		defer close(done)
		defer n.source.Unsubscribe(sub)
		n.loop(deliverCtx, sub, stop)
	}(n.stop, n.done)

	n.logger.Info("Webhook notifier started", slog.Int("endpoints", len(n.manager.config.Endpoints)))
	return nil
}

func (n *Notifier) loop(ctx context.Context, sub chan events.Event, stop chan struct{}) {
	for {
		select {
		case <-stop:
			n.drain(ctx, sub)
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			n.forward(ctx, e)
		}
	}
}

// drain delivers what is already buffered, until ctx is cancelled.
func (n *Notifier) drain(ctx context.Context, sub chan events.Event) {
	for ctx.Err() == nil {
		select {
		case e, ok := <-sub:
			if !ok {
				return
			}
			n.forward(ctx, e)
		default:
			return
		}
	}
}

func (n *Notifier) forward(ctx context.Context, e events.Event) {
	ev, deliver := FromBusEvent(e)
	if !deliver {
		return
	}
	for _, r := range n.manager.Dispatch(ctx, ev) {
		if !r.Success {
			n.logger.Warn("Webhook not delivered",
				slog.String("endpoint", r.Endpoint),
				slog.String("event", string(ev.Type)),
				slog.String("run_id", e.RunID),
			)
		}
	}
}

// Stop flushes buffered events, spending at most the drain timeout on them,
// and waits for the loop to exit.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	close(n.stop)
	done, cancel := n.done, n.cancel
	n.mu.Unlock()

	timer := time.AfterFunc(n.drainTimeout, cancel)
	<-done
	timer.Stop()
	cancel()

	deliveries, failures, retries, _ := n.manager.Stats()
	n.logger.Info("Webhook notifier stopped",
		slog.Int64("deliveries", deliveries),
		slog.Int64("failures", failures),
		slog.Int64("retries", retries),
	)
}
