// Package engine matches orders against the persisted book. Work for a symbol
// is serialized through a single worker goroutine; symbols run concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Aidin1998/tickerex/internal/settlement"
	"github.com/Aidin1998/tickerex/internal/trading/ledger"
	"github.com/Aidin1998/tickerex/internal/trading/model"
	"github.com/Aidin1998/tickerex/internal/trading/repository"
	"github.com/Aidin1998/tickerex/pkg/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when the order does not exist
	ErrNotFound = repository.ErrNotFound
	// ErrForbidden is returned when a user cancels someone else's order
	ErrForbidden = errors.New("order belongs to another user")
	// ErrNotOpen is returned when canceling an order that already ended
	ErrNotOpen = errors.New("order is not open")
	// ErrClosed is returned once the engine has been closed
	ErrClosed = errors.New("engine is closed")

	errPanicked = errors.New("matching pass aborted")
)

const abandonAttempts = 5

// Notifier pushes market data and personal updates after a pass
type Notifier interface {
	PublishBookSnapshot(ctx context.Context, symbol string) error
	PublishTrades(ctx context.Context, symbol string, trades []*model.Trade) error
	NotifyUser(ctx context.Context, userID, target string, data interface{}) error
}

// Config tunes the engine
type Config struct {
	// QueueSize is the request buffer of each symbol worker
	QueueSize int
	// IdleTimeout retires a symbol worker that has had no work for this long
	IdleTimeout time.Duration
}

// symbolWorker serializes the passes of one symbol. pending counts
// dispatchers that hold the worker but have not enqueued yet; the worker
// only retires when it is zero and the queue is empty.
type symbolWorker struct {
	jobs    chan func()
	pending int
}

// Engine runs matching passes for orders already persisted by intake
type Engine struct {
	db         *gorm.DB
	orders     *repository.OrderRepository
	ledger     *ledger.Ledger
	settlement *settlement.Publisher
	notifier   Notifier
	config     Config
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time

	mu      sync.Mutex
	workers map[string]*symbolWorker
	quit    chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// New creates an engine
func New(db *gorm.DB, orders *repository.OrderRepository, ledger *ledger.Ledger, settlement *settlement.Publisher, notifier Notifier, config Config, logger *zap.Logger) *Engine {
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 5 * time.Minute
	}
	return &Engine{
		db:         db,
		orders:     orders,
		ledger:     ledger,
		settlement: settlement,
		notifier:   notifier,
		config:     config,
		logger:     logger.Named("engine"),
		tracer:     otel.Tracer("github.com/Aidin1998/tickerex/internal/trading/engine"),
		now:        func() time.Time { return time.Now().UTC() },
		workers:    make(map[string]*symbolWorker),
		quit:       make(chan struct{}),
	}
}

// Submit runs a matching pass for a persisted order and returns its state
// afterwards. A pass that fails with repository.ErrConflict can be retried
// with the same order: fills already committed are not repeated.
func (e *Engine) Submit(ctx context.Context, order *model.Order) (*model.Order, error) {
	var (
		result *model.Order
		err    error
	)
	if derr := e.dispatch(ctx, order.Symbol, func(ctx context.Context) {
		result, err = e.match(ctx, order.ID)
	}); derr != nil {
		return nil, derr
	}
	return result, err
}

// Cancel ends an open order on behalf of its owner and refunds its unspent reservation
func (e *Engine) Cancel(ctx context.Context, order *model.Order, userID string) (*model.Order, error) {
	var (
		result *model.Order
		err    error
	)
	if derr := e.dispatch(ctx, order.Symbol, func(ctx context.Context) {
		result, err = e.cancel(ctx, order.ID, userID)
	}); derr != nil {
		return nil, derr
	}
	return result, err
}

// Abandon ends an order whose matching pass could not complete, refunding
// its unspent reservation. It runs outside the symbol worker, so it also
// works after Close; the conditional write on fill_seq keeps it safe against
// a pass that is still running. An order that already ended is returned as is.
func (e *Engine) Abandon(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt < abandonAttempts; attempt++ {
		var order *model.Order
		order, err = e.orders.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load order %s: %w", id, err)
		}
		if !order.IsOpen() {
			return order, nil
		}

		p := newPass(order.Symbol)
		order, err = e.end(ctx, order, p)
		e.publish(ctx, p)
		if err == nil {
			metrics.OrdersProcessed.WithLabelValues(string(order.Side), string(order.Status)).Inc()
			e.logger.Warn("Order abandoned",
				zap.String("order_id", id.String()),
				zap.String("executed_qty", order.ExecutedQty.String()))
			return order, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			break
		}
	}
	return nil, err
}

// Close stops every symbol worker after its current request
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.quit)
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("Matching engine stopped")
}

// dispatch runs fn on the symbol's worker and waits for it. fn receives a
// context that is not canceled with ctx, so a pass always runs to the end
// once started even if the caller stops waiting.
func (e *Engine) dispatch(ctx context.Context, symbol string, fn func(context.Context)) error {
	w, err := e.acquire(symbol)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	var panicked bool
	job := func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				e.logger.Error("Matching pass panicked",
					zap.String("symbol", symbol),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
			}
		}()
		fn(context.WithoutCancel(ctx))
	}

	select {
	case w.jobs <- job:
	case <-ctx.Done():
		err = ctx.Err()
	case <-e.quit:
		err = ErrClosed
	}
	e.release(w)
	if err != nil {
		return err
	}

	select {
	case <-done:
		if panicked {
			return errPanicked
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.quit:
		select {
		case <-done:
			if !panicked {
				return nil
			}
		default:
		}
		return ErrClosed
	}
}

// acquire returns the symbol's worker, starting one if needed, and holds it
// against retirement until release
func (e *Engine) acquire(symbol string) (*symbolWorker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	w, ok := e.workers[symbol]
	if !ok {
		w = &symbolWorker{jobs: make(chan func(), e.config.QueueSize)}
		e.workers[symbol] = w
		e.wg.Add(1)
		go e.run(symbol, w)
		e.logger.Debug("Started symbol worker", zap.String("symbol", symbol))
	}
	w.pending++
	return w, nil
}

func (e *Engine) release(w *symbolWorker) {
	e.mu.Lock()
	w.pending--
	e.mu.Unlock()
}

// retire removes an idle worker from the registry. It fails when a
// dispatcher holds the worker or work is queued.
func (e *Engine) retire(symbol string, w *symbolWorker) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if w.pending > 0 || len(w.jobs) > 0 {
		return false
	}
	delete(e.workers, symbol)
	return true
}

func (e *Engine) run(symbol string, w *symbolWorker) {
	defer e.wg.Done()
	idle := time.NewTimer(e.config.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-e.quit:
			return
		default:
		}
		select {
		case job := <-w.jobs:
			job()
			idle.Reset(e.config.IdleTimeout)
		case <-idle.C:
			if e.retire(symbol, w) {
				e.logger.Debug("Symbol worker retired", zap.String("symbol", symbol))
				return
			}
			idle.Reset(e.config.IdleTimeout)
		case <-e.quit:
			e.logger.Debug("Symbol worker exiting", zap.String("symbol", symbol))
			return
		}
	}
}
