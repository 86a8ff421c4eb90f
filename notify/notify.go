// Package notify builds and delivers notification intents. Delivery is best
// effort: nothing here can fail or delay the order transition that produced
// an intent.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/slashbinslashnoname/p2p-market-orders/logkey"
)

// Kind identifies the notification template
type Kind string

const (
	KindPaymentInstructions Kind = "payment_instructions"
	KindNewOrder            Kind = "new_order"
	KindProofSubmitted      Kind = "proof_submitted"
	KindPaymentConfirmed    Kind = "payment_confirmed"
	KindOrderDelivered      Kind = "order_delivered"
	KindRatingPrompt        Kind = "rating_prompt"
	KindOrderDisputed       Kind = "order_disputed"
	KindPaymentReminder     Kind = "payment_reminder"
)

// Context is the deep-link payload attached to every intent
type Context struct {
	OrderID   string `json:"orderId"`
	ProductID string `json:"productId"`
}

// Intent is one notification for one user
type Intent struct {
	UserID string  `json:"user_id"`
	Kind   Kind    `json:"kind"`
	Title  string  `json:"title"`
	Body   string  `json:"body"`
	Ctx    Context `json:"context"`
}

// Emitter delivers an intent to some backend
type Emitter interface {
	Emit(ctx context.Context, in Intent) error
}

// EmitterFunc adapts a function to Emitter
type EmitterFunc func(ctx context.Context, in Intent) error

func (f EmitterFunc) Emit(ctx context.Context, in Intent) error {
	return f(ctx, in)
}

// Multi fans an intent out to every emitter and joins their errors
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, in Intent) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, in); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogEmitter writes intents to the structured log
type LogEmitter struct {
	Logger *slog.Logger
}

func (l LogEmitter) Emit(ctx context.Context, in Intent) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		slog.String(logkey.UserID, in.UserID),
		slog.String(logkey.Kind, string(in.Kind)),
		slog.String(logkey.OrderID, in.Ctx.OrderID),
		slog.String("title", in.Title),
	)
	return nil
}

// Dispatcher queues intents and delivers them from a pool of workers.
// Enqueue never blocks: when the queue is full the intent is dropped.
type Dispatcher struct {
	emitter Emitter
	queue   chan Intent
	workers int
	timeout time.Duration

	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

// NewDispatcher creates a dispatcher; call Start before enqueueing
func NewDispatcher(emitter Emitter, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Dispatcher{
		emitter: emitter,
		queue:   make(chan Intent, queueSize),
		workers: workers,
		timeout: 10 * time.Second,
	}
}

// Start launches the workers
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
}

// Enqueue schedules intents for delivery
func (d *Dispatcher) Enqueue(intents ...Intent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, in := range intents {
		select {
		case d.queue <- in:
		default:
			slog.Warn("notification queue full, dropping intent",
				slog.String(logkey.UserID, in.UserID),
				slog.String(logkey.Kind, string(in.Kind)),
				slog.String(logkey.OrderID, in.Ctx.OrderID))
		}
	}
}

// Close stops accepting intents, drains the queue and waits for the workers
// or for ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for in := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.emitter.Emit(ctx, in); err != nil {
			slog.Error("failed to deliver notification",
				slog.Int("worker", id),
				slog.String(logkey.UserID, in.UserID),
				slog.String(logkey.Kind, string(in.Kind)),
				slog.String(logkey.OrderID, in.Ctx.OrderID),
				slog.String(logkey.Error, err.Error()))
		}
		cancel()
	}
}
