package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JosineyJr/psp-orchestrator/internal/orchestrator"
	"github.com/JosineyJr/psp-orchestrator/pkg/payments"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
)

const (
	defaultBatchSize    = 64
	defaultBatchTimeout = 10 * time.Millisecond
)

var ErrQueueFull = errors.New("dispatch queue is full")

// Processor runs one transaction to the end of its authorization.
type Processor interface {
	Handle(ctx context.Context, tx payments.Transaction) (*orchestrator.Outcome, error)
}

// Dispatcher buffers incoming transactions and hands them to a bounded
// goroutine pool in small batches.
type Dispatcher struct {
	buffer    chan payments.Transaction
	pool      *ants.Pool
	processor Processor
	logger    *zerolog.Logger
	batchSize int
	loop      sync.WaitGroup
	wg        sync.WaitGroup
}

func NewDispatcher(processor Processor, workers, queueSize int, logger *zerolog.Logger) (*Dispatcher, error) {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = defaultBatchSize * 2
	}
	pool, err := ants.NewPool(workers, ants.WithPreAlloc(false))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Dispatcher{
		buffer:    make(chan payments.Transaction, queueSize),
		pool:      pool,
		processor: processor,
		logger:    logger,
		batchSize: min(defaultBatchSize, queueSize),
	}, nil
}

// Add queues tx without blocking.
func (d *Dispatcher) Add(tx payments.Transaction) error {
	select {
	case d.buffer <- tx:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start drains the buffer until ctx ends, then flushes what is left and
// waits for running sagas.
func (d *Dispatcher) Start(ctx context.Context) {
	d.loop.Add(1)
	go func() {
		defer d.loop.Done()
		batch := make([]payments.Transaction, 0, d.batchSize)
		ticker := time.NewTicker(defaultBatchTimeout)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
			drain:
				for {
					select {
					case tx := <-d.buffer:
						batch = append(batch, tx)
					default:
						break drain
					}
				}
				d.submit(context.WithoutCancel(ctx), batch)
				return
			case tx := <-d.buffer:
				batch = append(batch, tx)
				if len(batch) >= d.batchSize {
					d.submit(ctx, batch)
					batch = make([]payments.Transaction, 0, d.batchSize)
					ticker.Reset(defaultBatchTimeout)
				}
			case <-ticker.C:
				if len(batch) > 0 {
					d.submit(ctx, batch)
					batch = make([]payments.Transaction, 0, d.batchSize)
				}
			}
		}
	}()
}

func (d *Dispatcher) submit(ctx context.Context, batch []payments.Transaction) {
	for _, tx := range batch {
		d.wg.Add(1)
		err := d.pool.Submit(func() {
			defer d.wg.Done()
			d.process(ctx, tx)
		})
		if err != nil {
			d.wg.Done()
			d.logger.Error().Err(err).Str("transaction_id", tx.ID).Msg("Failed to submit transaction to pool")
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, tx payments.Transaction) {
	out, err := d.processor.Handle(ctx, tx)
	if err != nil {
		d.logger.Warn().Err(err).Str("transaction_id", tx.ID).Str("kind", string(payments.KindOf(err))).
			Msg("Transaction did not authorize")
		return
	}
	d.logger.Debug().Str("transaction_id", out.Saga.ID).Str("psp", out.PSP).Str("status", string(out.Status)).
		Bool("duplicate", out.Duplicate).Msg("Transaction processed")
}

// Close waits for the Start loop to flush the buffer, then for submitted
// sagas, and releases the pool. The context given to Start must be done.
func (d *Dispatcher) Close() {
	d.loop.Wait()
	d.wg.Wait()
	d.pool.Release()
}
