// Package bridge implements a blocking single-producer/single-consumer byte
// stream. One goroutine writes (typically an FTP download), another reads
// (typically an upload or a local file write). Chunks are queued without a
// size bound, so the producer never waits on the consumer.
package bridge

import (
	"errors"
	"io"
	"sync"

	"github.com/paulschiretz/pgl-sync/pkg/pool"
)

// ErrClosed is returned by writes after the producer closed the bridge.
var ErrClosed = errors.New("bridge: write on closed stream")

// chunk is either a copied byte slice or a reference to a stream that the
// consumer drains directly.
type chunk struct {
	buf  *[]byte
	data []byte

	r       io.Reader
	drained chan struct{}
}

// Bridge is the stream. The zero value is not usable; call New.
type Bridge struct {
	buffers *pool.BucketedBufferPool

	mu        sync.Mutex
	dataAvail *sync.Cond
	queue     []*chunk
	closed    bool
	err       error // producer error, reported to the reader after the queue drains
	readErr   error // consumer abort, reported to the writer
	done      chan struct{}

	written int64
	read    int64
}

// New creates a bridge. Chunk copies are taken from buffers when it is not nil.
func New(buffers *pool.BucketedBufferPool) *Bridge {
	b := &Bridge{buffers: buffers, done: make(chan struct{})}
	b.dataAvail = sync.NewCond(&b.mu)
	return b
}

// Write queues a copy of p as one chunk. It never blocks on the reader.
func (b *Bridge) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	c := &chunk{}
	if b.buffers != nil {
		c.buf = b.buffers.Get(int64(len(p)))
		c.data = *c.buf
	} else {
		c.data = make([]byte, len(p))
	}
	copy(c.data, p)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		b.release(c)
		return 0, b.readErr
	}
	if b.closed {
		b.release(c)
		return 0, ErrClosed
	}
	b.queue = append(b.queue, c)
	b.written += int64(len(p))
	b.dataAvail.Signal()
	return len(p), nil
}

// WriteStream queues r as a single chunk that the reader copies from
// directly. The returned channel is closed once the reader has consumed r to
// EOF (or aborted); the producer must keep r valid until then.
func (b *Bridge) WriteStream(r io.Reader) (<-chan struct{}, error) {
	c := &chunk{r: r, drained: make(chan struct{})}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return nil, b.readErr
	}
	if b.closed {
		return nil, ErrClosed
	}
	b.queue = append(b.queue, c)
	b.dataAvail.Signal()
	return c.drained, nil
}

// Close signals end of stream. Queued chunks remain readable.
func (b *Bridge) Close() error {
	return b.CloseWithError(nil)
}

// CloseWithError signals end of stream; the reader sees err instead of
// io.EOF once the queue is drained.
func (b *Bridge) CloseWithError(err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.err = err
	close(b.done)
	b.dataAvail.Broadcast()
	return nil
}

// Done is closed when the producer has closed the bridge.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Read copies queued data into p. It blocks while the queue is empty and the
// producer has not closed the bridge. An empty, closed bridge returns 0, io.EOF.
func (b *Bridge) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	b.mu.Lock()
	for {
		if b.readErr != nil {
			b.mu.Unlock()
			return 0, b.readErr
		}
		if len(b.queue) > 0 {
			break
		}
		if b.closed {
			err := b.err
			b.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
		b.dataAvail.Wait()
	}
	head := b.queue[0]

	if head.r == nil {
		n := copy(p, head.data)
		head.data = head.data[n:]
		if len(head.data) == 0 {
			b.pop()
		}
		b.read += int64(n)
		b.mu.Unlock()
		return n, nil
	}

	// The head chunk is a stream. Only this goroutine pops, so it stays at
	// the head while the lock is released for the (possibly slow) read.
	b.mu.Unlock()
	n, err := head.r.Read(p)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.read += int64(n)
	b.written += int64(n)
	switch {
	case err == io.EOF:
		b.pop()
		return n, nil
	case err != nil:
		b.pop()
		b.abortLocked(err)
		return n, err
	}
	return n, nil
}

// CloseRead aborts the stream from the consumer side. Pending and future
// writes fail with err (io.ErrClosedPipe when err is nil) and queued chunks
// are released.
func (b *Bridge) CloseRead(err error) {
	if err == nil {
		err = io.ErrClosedPipe
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.abortLocked(err)
}

func (b *Bridge) abortLocked(err error) {
	if b.readErr != nil {
		return
	}
	b.readErr = err
	for len(b.queue) > 0 {
		b.pop()
	}
	b.dataAvail.Broadcast()
}

// Stats returns the number of bytes queued by the producer and the number
// of bytes handed to the consumer.
func (b *Bridge) Stats() (written, read int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written, b.read
}

// pop removes the head chunk. Must be called with mu held.
func (b *Bridge) pop() {
	head := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	b.release(head)
}

func (b *Bridge) release(c *chunk) {
	if c.buf != nil && b.buffers != nil {
		b.buffers.Put(c.buf)
		c.buf = nil
	}
	c.data = nil
	if c.drained != nil {
		close(c.drained)
		c.drained = nil
	}
}
