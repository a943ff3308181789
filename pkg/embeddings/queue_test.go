package embeddings_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/tstockham96/engram/pkg/embeddings"
	testutils "github.com/tstockham96/engram/pkg/utils/test"
)

// resultSink collects OnResult callbacks thread-safely.
type resultSink struct {
	mu      sync.Mutex
	vectors map[string][]float32
	errors  map[string]error
}

func newResultSink() *resultSink {
	return &resultSink{
		vectors: make(map[string][]float32),
		errors:  make(map[string]error),
	}
}

func (r *resultSink) record(id string, vec []float32, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.errors[id] = err
		return
	}
	r.vectors[id] = vec
}

func (r *resultSink) vector(id string) []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vectors[id]
}

func (r *resultSink) failed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.errors[id]
	return ok
}

var _ = Describe("Queue", func() {
	var (
		embedder *testutils.MockEmbedder
		sink     *resultSink
		queue    *embeddings.Queue
	)

	newQueue := func(maxRetries int) *embeddings.Queue {
		return embeddings.NewQueue(embeddings.QueueConfig{
			Embedder:   embedder,
			BatchSize:  4,
			MaxAge:     10 * time.Millisecond,
			MaxRetries: maxRetries,
			OnResult:   sink.record,
			Logger:     zap.NewNop(),
		})
	}

	BeforeEach(func() {
		embedder = testutils.NewMockEmbedder()
		sink = newResultSink()
	})

	AfterEach(func() {
		if queue != nil {
			queue.Close()
			queue = nil
		}
	})

	It("embeds queued rows and reports vectors", func() {
		queue = newQueue(1)

		Expect(queue.Enqueue("m1", "first")).To(BeTrue())
		Expect(queue.Enqueue("m2", "second")).To(BeTrue())

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		Expect(queue.Flush(ctx)).To(Succeed())

		Expect(sink.vector("m1")).NotTo(BeEmpty())
		Expect(sink.vector("m2")).NotTo(BeEmpty())
	})

	It("batches rows into one provider call when they arrive together", func() {
		queue = newQueue(1)

		for _, id := range []string{"a", "b", "c", "d"} {
			Expect(queue.Enqueue(id, "text-"+id)).To(BeTrue())
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		Expect(queue.Flush(ctx)).To(Succeed())

		// One full batch of four; allow a second call when the first
		// item was picked up alone before the rest arrived.
		Expect(embedder.Calls).To(BeNumerically("<=", 2))
	})

	It("reports failure after the retry budget is spent", func() {
		embedder.FailAll = true
		queue = newQueue(1)

		Expect(queue.Enqueue("doomed", "text")).To(BeTrue())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(queue.Flush(ctx)).To(Succeed())

		Expect(sink.failed("doomed")).To(BeTrue())
	})

	It("honors flush cancellation", func() {
		queue = newQueue(1)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		Expect(queue.Enqueue("m1", "text")).To(BeTrue())
		err := queue.Flush(ctx)
		Expect(err).To(MatchError(context.Canceled))
	})

	It("rejects work after close", func() {
		queue = newQueue(1)
		queue.Close()
		Expect(queue.Enqueue("late", "text")).To(BeFalse())
		queue = nil
	})
})
