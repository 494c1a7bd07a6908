package session

import (
	"errors"
	"sync"

	"github.com/vanpelt/shellhost/internal/logger"
	"github.com/vanpelt/shellhost/internal/recovery"
)

// DefaultClientQueueDepth is the number of chunks a QueuedClient holds
// before it is considered too slow and dropped.
const DefaultClientQueueDepth = 256

var (
	ErrClientClosed   = errors.New("client closed")
	ErrClientOverflow = errors.New("client send queue full")
)

// Client receives a session's output. Send must never block: the session
// calls it while holding its lock. An error from Send detaches the client.
// Chunks are shared between clients and must not be modified.
type Client interface {
	ID() string
	Send(chunk []byte) error
	Close() error
}

// Promotable is implemented by clients that want to know when they gain
// write access after the writing client detached.
type Promotable interface {
	Promoted()
}

// WriteFunc delivers one chunk to a (possibly slow) destination.
type WriteFunc func(chunk []byte) error

// QueuedClient adapts a blocking WriteFunc into a Client with a bounded
// queue drained by its own goroutine.
type QueuedClient struct {
	id    string
	write WriteFunc
	queue chan queuedChunk
	done  chan struct{}

	// writing is held for the duration of each write.
	writing sync.Mutex

	mu     sync.Mutex
	closed bool
	failed error
	gen    uint64
}

type queuedChunk struct {
	gen  uint64
	data []byte
}

// NewQueuedClient starts the writer goroutine. depth <= 0 uses
// DefaultClientQueueDepth.
func NewQueuedClient(id string, depth int, write WriteFunc) *QueuedClient {
	if depth <= 0 {
		depth = DefaultClientQueueDepth
	}
	c := &QueuedClient{
		id:    id,
		write: write,
		queue: make(chan queuedChunk, depth),
		done:  make(chan struct{}),
	}
	recovery.SafeGoWithCleanup("client-writer-"+id, c.run, func() { close(c.done) })
	return c
}

func (c *QueuedClient) ID() string { return c.id }

func (c *QueuedClient) Send(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.failed != nil {
		return c.failed
	}
	select {
	case c.queue <- queuedChunk{gen: c.gen, data: chunk}:
		return nil
	default:
		return ErrClientOverflow
	}
}

// Close stops accepting chunks. Already queued chunks are still written.
func (c *QueuedClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.queue)
	return nil
}

// Reset discards queued chunks that have not started writing and waits
// for a write already in progress to finish. Chunks sent afterwards are
// delivered normally.
func (c *QueuedClient) Reset() {
	c.mu.Lock()
	c.gen++
	c.mu.Unlock()

	c.writing.Lock()
	c.writing.Unlock() //nolint:staticcheck // waits out an in-flight write
}

// Done is closed once the writer goroutine has drained the queue.
func (c *QueuedClient) Done() <-chan struct{} {
	return c.done
}

func (c *QueuedClient) run() {
	for chunk := range c.queue {
		c.deliver(chunk)
	}
}

func (c *QueuedClient) deliver(chunk queuedChunk) {
	c.writing.Lock()
	defer c.writing.Unlock()

	c.mu.Lock()
	skip := c.failed != nil || chunk.gen != c.gen
	c.mu.Unlock()
	if skip {
		return
	}
	if err := c.write(chunk.data); err != nil {
		logger.Debugf("🔌 client %s write failed: %v", c.id, err)
		c.mu.Lock()
		c.failed = err
		c.mu.Unlock()
	}
}
