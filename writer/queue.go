package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	appconfig "bitmexflow/config"
	"bitmexflow/internal/metrics"
	"bitmexflow/logger"
)

type queuedRow struct {
	table   string
	columns []string
	values  []interface{}
}

// QueueOptions sizes the queue and its retry policy.
type QueueOptions struct {
	Size           int
	EnqueueTimeout time.Duration
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Factor         float64
}

// QueueOptionsFromConfig maps the writer section of the config.
func QueueOptionsFromConfig(cfg appconfig.WriterConfig) QueueOptions {
	return QueueOptions{
		Size:           cfg.QueueSize,
		EnqueueTimeout: cfg.EnqueueTimeout,
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BaseDelay:      cfg.Retry.BaseDelay,
		MaxDelay:       cfg.Retry.MaxDelay,
		Factor:         cfg.Retry.Factor,
	}
}

// Queue is a bounded FIFO in front of a Sink, drained by a single worker so
// rows reach the sink in the order they were queued. Failed inserts are
// retried with backoff and then handed to the Rejecter.
type Queue struct {
	name   string
	sink   Sink
	reject Rejecter
	opts   QueueOptions

	rows    chan queuedRow
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	closed  bool
	log     *logger.Log
}

// NewQueue creates a queue. name labels its metrics and logs.
func NewQueue(name string, sink Sink, reject Rejecter, opts QueueOptions) *Queue {
	if opts.Size <= 0 {
		opts.Size = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Factor < 1 {
		opts.Factor = 2
	}
	return &Queue{
		name:   name,
		sink:   sink,
		reject: reject,
		opts:   opts,
		rows:   make(chan queuedRow, opts.Size),
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

// Start launches the worker.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return fmt.Errorf("insert queue %s already running", q.name)
	}
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.running = true
	q.ctx = ctx
	q.mu.Unlock()

	q.wg.Add(1)
	go q.worker()

	q.log.WithComponent("insert_queue").WithFields(logger.Fields{
		"queue":    q.name,
		"capacity": q.opts.Size,
	}).Info("insert queue started")
	return nil
}

// Insert queues a row, waiting up to the enqueue timeout for room. Rows that
// cannot be queued go to the Rejecter and an error is returned.
func (q *Queue) Insert(ctx context.Context, table string, columns []string, values []interface{}) error {
	row := queuedRow{table: table, columns: columns, values: values}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.rejectRow(row, ReasonQueueClosed, ErrQueueClosed)
		return ErrQueueClosed
	}

	select {
	case q.rows <- row:
		metrics.SetQueueLength(q.name, len(q.rows))
		return nil
	default:
	}

	timer := time.NewTimer(q.opts.EnqueueTimeout)
	defer timer.Stop()
	select {
	case q.rows <- row:
		metrics.SetQueueLength(q.name, len(q.rows))
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	q.log.WithComponent("insert_queue").WithFields(logger.Fields{
		"queue": q.name,
		"table": table,
	}).Warn("insert queue full, row diverted")
	q.rejectRow(row, ReasonQueueFull, ErrQueueFull)
	return ErrQueueFull
}

// Len is the number of rows waiting.
func (q *Queue) Len() int {
	return len(q.rows)
}

// Close stops accepting rows and waits until every queued row has been
// written or rejected.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	running := q.running
	close(q.rows)
	q.mu.Unlock()

	if !running {
		for row := range q.rows {
			q.rejectRow(row, ReasonQueueClosed, ErrQueueClosed)
		}
		return
	}

	q.log.WithComponent("insert_queue").WithFields(logger.Fields{
		"queue":   q.name,
		"pending": len(q.rows),
	}).Info("draining insert queue")
	q.wg.Wait()
	q.log.WithComponent("insert_queue").WithFields(logger.Fields{"queue": q.name}).Info("insert queue stopped")
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for row := range q.rows {
		q.write(row)
		metrics.SetQueueLength(q.name, len(q.rows))
	}
}

func (q *Queue) write(row queuedRow) {
	// Rows queued before shutdown are still written.
	ctx := context.WithoutCancel(q.ctx)
	b := &backoff.Backoff{
		Min:    q.opts.BaseDelay,
		Max:    q.opts.MaxDelay,
		Factor: q.opts.Factor,
		Jitter: true,
	}

	var err error
	for attempt := 1; attempt <= q.opts.MaxAttempts; attempt++ {
		err = q.sink.Insert(ctx, row.table, row.columns, row.values)
		if err == nil {
			return
		}
		if q.ctx.Err() != nil {
			q.rejectRow(row, ReasonShutdown, err)
			return
		}
		if attempt == q.opts.MaxAttempts {
			break
		}

		delay := b.Duration()
		metrics.IncrementRetry(row.table)
		q.log.WithComponent("insert_queue").WithError(err).WithFields(logger.Fields{
			"queue":    q.name,
			"table":    row.table,
			"attempt":  attempt,
			"retry_in": delay.String(),
		}).Warn("insert failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-q.ctx.Done():
		}
		timer.Stop()
	}
	q.rejectRow(row, ReasonRetries, err)
}

func (q *Queue) rejectRow(row queuedRow, reason string, cause error) {
	if q.reject == nil {
		q.log.WithComponent("insert_queue").WithError(cause).WithFields(logger.Fields{
			"queue":  q.name,
			"table":  row.table,
			"reason": reason,
			"values": row.values,
		}).Error("row dropped")
		return
	}
	if err := q.reject.Reject(row.table, row.columns, row.values, reason, cause); err != nil {
		q.log.WithComponent("insert_queue").WithError(err).WithFields(logger.Fields{
			"queue": q.name,
			"table": row.table,
		}).Error("dead letter failed")
	}
}
