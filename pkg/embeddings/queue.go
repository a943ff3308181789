package embeddings

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	defaultBatchSize  = 16
	defaultMaxAge     = 250 * time.Millisecond
	defaultMaxRetries = 4
	defaultQueueSize  = 1024
	retryBaseDelay    = 200 * time.Millisecond
)

// QueueConfig is the configuration options for the embedding queue.
type QueueConfig struct {
	// Embedder generates the embeddings for queued rows.
	Embedder Embedder

	// BatchSize flushes a batch once this many items are waiting.
	BatchSize int

	// MaxAge flushes a partial batch once its oldest item has waited
	// this long.
	MaxAge time.Duration

	// MaxRetries bounds retry attempts per batch before the rows are
	// reported as failed.
	MaxRetries int

	// QueueSize is the capacity of the buffered job channel.
	QueueSize int

	// OnResult receives the outcome for each queued row: the embedding
	// on success, or a non-nil error once the retry budget is spent.
	// Called from the queue goroutine; implementations must be safe for
	// that.
	OnResult func(id string, embedding []float32, err error)

	// Logger is the provided zap logger.
	Logger *zap.Logger
}

type embedJob struct {
	id       string
	text     string
	enqueued time.Time
}

// Queue batches pending embedding work between the write path and the
// vector index. Writes return as soon as the row is durable; the queue
// embeds asynchronously and reports results through OnResult.
type Queue struct {
	config QueueConfig
	jobs   chan embedJob

	mu      sync.Mutex
	cond    *sync.Cond
	pending int
	closed  bool

	done chan struct{}
}

// NewQueue creates the queue and starts its worker goroutine.
func NewQueue(c QueueConfig) *Queue {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxAge <= 0 {
		c.MaxAge = defaultMaxAge
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}

	q := &Queue{
		config: c,
		jobs:   make(chan embedJob, c.QueueSize),
		done:   make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)

	go q.run()

	return q
}

// Enqueue submits a row for embedding. Returns false if the queue is full
// or closed; the caller keeps the row recallable by entity and full-text
// search and may retry later.
func (q *Queue) Enqueue(id, text string) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending++
	q.mu.Unlock()

	select {
	case q.jobs <- embedJob{id: id, text: text, enqueued: time.Now()}:
		return true
	default:
		q.settle(1)
		q.config.Logger.Warn("embedding queue full, job dropped", zap.String("id", id))
		return false
	}
}

// Flush blocks until every queued row has been embedded (or failed) or the
// context is cancelled. On cancellation the in-flight batch completes in
// the background; Flush just stops waiting.
func (q *Queue) Flush(ctx context.Context) error {
	waitDone := make(chan struct{})
	go func() {
		q.mu.Lock()
		for q.pending > 0 {
			q.cond.Wait()
		}
		q.mu.Unlock()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		return nil
	case <-ctx.Done():
		// The waiter goroutine stays blocked until pending drains, then
		// exits on its own.
		return ctx.Err()
	}
}

// Close stops accepting work and waits for in-flight batches to drain.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.jobs)
	<-q.done
}

// settle decrements the pending counter and wakes Flush waiters at zero.
func (q *Queue) settle(n int) {
	q.mu.Lock()
	q.pending -= n
	if q.pending <= 0 {
		q.pending = 0
		q.cond.Broadcast()
	}
	q.mu.Unlock()
}

// run is the worker loop: gather a batch by size or age, embed it with
// retries, report each row's outcome.
func (q *Queue) run() {
	defer close(q.done)

	for {
		job, ok := <-q.jobs
		if !ok {
			return
		}

		batch := []embedJob{job}
		deadline := time.NewTimer(q.config.MaxAge)

	gather:
		for len(batch) < q.config.BatchSize {
			select {
			case next, ok := <-q.jobs:
				if !ok {
					break gather
				}
				batch = append(batch, next)
			case <-deadline.C:
				break gather
			}
		}
		deadline.Stop()

		q.processBatch(batch)
		q.settle(len(batch))
	}
}

// processBatch embeds one batch with exponential backoff on failure.
func (q *Queue) processBatch(batch []embedJob) {
	texts := make([]string, len(batch))
	for i, job := range batch {
		texts[i] = job.text
	}

	var vecs [][]float32
	var err error
	for attempt := 0; attempt <= q.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBaseDelay << (attempt - 1))
		}

		vecs, err = q.config.Embedder.EmbedBatch(context.Background(), texts)
		if err == nil && len(vecs) == len(batch) {
			break
		}
		q.config.Logger.Warn("embedding batch failed",
			zap.Int("attempt", attempt+1),
			zap.Int("batch_size", len(batch)),
			zap.Error(err),
		)
	}

	if err == nil && len(vecs) != len(batch) {
		err = fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(batch))
	}
	if err != nil {
		for _, job := range batch {
			q.config.OnResult(job.id, nil, err)
		}
		return
	}

	for i, job := range batch {
		q.config.OnResult(job.id, Normalize(vecs[i]), nil)
	}

	q.config.Logger.Debug("embedded batch",
		zap.Int("batch_size", len(batch)),
		zap.Duration("oldest_wait", time.Since(batch[0].enqueued)),
	)
}
