package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"judgecore/internal/common/mq"
	"judgecore/internal/judge/queue"
	"judgecore/internal/judge/retry"
	"judgecore/pkg/utils/logger"

	"go.uber.org/zap"
)

// DeliveryHandler runs one delivery. *Service implements it.
type DeliveryHandler interface {
	HandleDelivery(ctx context.Context, d *queue.Delivery) error
}

// DispatcherConfig configures the worker pool.
type DispatcherConfig struct {
	Handler DeliveryHandler
	Queue   queue.Queue
	// Workers is the pool size and the only admission-control knob.
	Workers      int
	PollInterval time.Duration
	// Visibility should match the process lease.
	Visibility time.Duration
}

// Dispatcher pulls process ids off the queue and runs them on a fixed pool.
type Dispatcher struct {
	handler      DeliveryHandler
	queue        queue.Queue
	limiter      *mq.TokenLimiter
	pollInterval time.Duration
	visibility   time.Duration

	// Handlers run on their own context so that stopping the poll loop
	// lets in-flight processes drain.
	handlerCtx   context.Context
	stopHandlers context.CancelFunc
	wg           sync.WaitGroup
	draining     atomic.Bool
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Handler == nil {
		return nil, errors.New("delivery handler is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		handler:      cfg.Handler,
		queue:        cfg.Queue,
		limiter:      mq.NewTokenLimiter(cfg.Workers),
		pollInterval: cfg.PollInterval,
		visibility:   cfg.Visibility,
		handlerCtx:   ctx,
		stopHandlers: cancel,
	}, nil
}

// Run polls the queue until ctx is done. A free worker is reserved before
// each dequeue so nothing is checked out that cannot start right away.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if err := d.limiter.Acquire(ctx); err != nil {
			return nil
		}
		delivery, err := d.queue.Dequeue(ctx, d.visibility)
		if err != nil || delivery == nil {
			d.limiter.Release()
			if err != nil && ctx.Err() == nil {
				logger.Warn(ctx, "dequeue failed", zap.Error(err))
			}
			if !retry.Sleep(ctx, d.pollInterval) {
				return nil
			}
			continue
		}
		d.wg.Add(1)
		go d.handle(delivery)
	}
}

func (d *Dispatcher) handle(delivery *queue.Delivery) {
	defer d.wg.Done()
	defer d.limiter.Release()
	defer func() {
		if r := recover(); r != nil {
			logger.Error(d.handlerCtx, "delivery handler panicked",
				zap.String("process_id", delivery.ProcessID),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	if err := d.handler.HandleDelivery(d.handlerCtx, delivery); err != nil {
		logger.Warn(d.handlerCtx, "delivery handling failed",
			zap.String("process_id", delivery.ProcessID),
			zap.Int("deliveries", delivery.Deliveries),
			zap.Error(err),
		)
	}
}

// Shutdown waits for in-flight deliveries. When ctx expires first the
// remaining runs are cancelled, which parks them for redelivery.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.draining.Store(true)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.stopHandlers()
		return nil
	case <-ctx.Done():
		d.stopHandlers()
		<-done
		return ctx.Err()
	}
}

// Draining reports whether Shutdown has been called.
func (d *Dispatcher) Draining() bool {
	return d.draining.Load()
}

// InFlight is the number of deliveries being handled.
func (d *Dispatcher) InFlight() int {
	return d.limiter.InUse()
}
