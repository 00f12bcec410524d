package engine

import (
	"sync"
	"time"

	"github.com/an-siuu-man/headstart/runtime"
)

// flushInterval bounds how often buffered deltas turn into runtime patches.
const flushInterval = 80 * time.Millisecond

// Coalescer batches high-frequency delta frames into periodic runtime store
// patches. The upstream can emit many small fragments per second; patching
// once per fragment would thrash every connected viewer. Buffered text is
// concatenated, progress and status keep only the latest value, and
// everything is flushed on a fixed timer or explicitly before a terminal
// transition.
type Coalescer struct {
	rt        *runtime.Store
	sessionID string

	mu       sync.Mutex
	delta    string
	progress *float64
	status   *string

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCoalescer creates a coalescer for one session and starts its flush
// timer. Call Stop when the run ends.
func NewCoalescer(rt *runtime.Store, sessionID string) *Coalescer {
	c := &Coalescer{
		rt:        rt,
		sessionID: sessionID,
		stop:      make(chan struct{}),
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop()
	}()
	return c
}

// Add buffers one delta frame. An empty delta still records progress and
// status so the next flush issues a progress-only update during silent
// stages.
func (c *Coalescer) Add(delta string, progressPercent float64, statusMessage string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delta += delta
	c.progress = &progressPercent
	c.status = &statusMessage
}

// Flush immediately patches any buffered state into the runtime store. The
// patch is issued while still holding the buffer lock: if the timer goroutine
// and an explicit caller flush concurrently, extracted deltas could otherwise
// reach the store out of arrival order, or after a terminal patch. Holding
// the lock is safe because store patches are synchronous and listeners never
// call back into the store. Callers must flush before applying a terminal
// patch so a completion never races ahead of unflushed deltas; when Flush
// returns, everything buffered before the call has been patched.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.delta == "" && c.progress == nil && c.status == nil {
		return
	}
	p := runtime.Patch{
		AppendMarkdown:  c.delta,
		ProgressPercent: c.progress,
		StatusMessage:   c.status,
	}
	c.delta = ""
	c.progress = nil
	c.status = nil
	c.rt.Patch(c.sessionID, p)
}

// Stop halts the timer and flushes whatever is still buffered. Safe to call
// more than once.
func (c *Coalescer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	c.wg.Wait()
}

func (c *Coalescer) loop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			c.Flush()
			return
		case <-ticker.C:
			c.Flush()
		}
	}
}
