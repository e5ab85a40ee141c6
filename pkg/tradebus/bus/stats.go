package bus

import (
	"sync"
	"time"

	"github.com/marketdeck/tradebus/pkg/tradebus/event"
)

// counters holds the mutable statistics block. Counter updates are not
// atomic by construction, so all mutation happens under one mutex.
type counters struct {
	mu              sync.Mutex
	startedAt       time.Time
	published       int64
	processed       int64
	failed          int64
	totalProcessing time.Duration
}

func (c *counters) reset(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startedAt = now
	c.published = 0
	c.processed = 0
	c.failed = 0
	c.totalProcessing = 0
}

func (c *counters) recordPublished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published++
}

func (c *counters) recordResult(res event.ProcessingResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if res.Success {
		c.processed++
	} else {
		c.failed++
	}
	c.totalProcessing += res.ProcessingTime
}

// Statistics is a point-in-time snapshot of bus health.
type Statistics struct {
	Running   bool
	StartedAt time.Time
	Uptime    time.Duration

	PublishedCount    int64
	ProcessedCount    int64
	FailedCount       int64
	AvgProcessingTime time.Duration

	QueueDepth      int
	QueueCapacity   int
	RetryQueueDepth int
	DeadLetterCount int

	SubscriptionCount int
	WorkerCount       int
}

// Statistics returns a snapshot. Safe to call from any goroutine and never
// blocks dispatch beyond the counter mutex.
func (b *Bus) Statistics() Statistics {
	b.counters.mu.Lock()
	stats := Statistics{
		StartedAt:      b.counters.startedAt,
		PublishedCount: b.counters.published,
		ProcessedCount: b.counters.processed,
		FailedCount:    b.counters.failed,
	}
	attempts := b.counters.processed + b.counters.failed
	if attempts > 0 {
		stats.AvgProcessingTime = b.counters.totalProcessing / time.Duration(attempts)
	}
	b.counters.mu.Unlock()

	stats.Running = b.running.Load()
	if stats.Running && !stats.StartedAt.IsZero() {
		stats.Uptime = time.Since(stats.StartedAt)
	}
	stats.QueueDepth = len(b.inbound)
	stats.QueueCapacity = cap(b.inbound)
	stats.RetryQueueDepth = len(b.retryq)
	stats.DeadLetterCount = b.dead.count()
	stats.SubscriptionCount = b.registry.count()
	stats.WorkerCount = b.opts.WorkerCount

	return stats
}
