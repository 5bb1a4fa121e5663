// Package pool provides sync.Pool backed byte buffers for the transfer path.
//
// Two shapes are used during a sync:
//   - FixedBufferPool holds the chunk buffer of a copy loop. Every FTP
//     session and every local copy reads and writes through one buffer of
//     the configured transfer size.
//   - BucketedBufferPool holds the chunks queued in a stream bridge while a
//     download feeds an upload. A read may return less than a full chunk,
//     so those chunks come from power-of-two buckets instead of one size.
//
// sync.Pool drops idle items on garbage collection, which suits buffers
// that only live for one transfer. Both pools are safe for concurrent use
// by the worker pool.
package pool

import (
	"fmt"
	"math/bits"
	"sync"
)

func isPowerOfTwo(n int64) bool {
	return n > 0 && (n&(n-1)) == 0
}

// BucketedBufferPool hands out byte slices from power-of-two buckets with an
// O(1) bucket lookup. A request is served from the smallest bucket that
// holds it, so a short read queued in a bridge does not pin a full chunk.
type BucketedBufferPool struct {
	minExp  int
	maxExp  int
	maxSize int64
	// buckets is indexed by exponent; entries below minExp stay unused.
	buckets []sync.Pool
}

// NewBucketedBufferPool creates a pool whose buckets range from minSize to
// maxSize. Both MUST be powers of two (e.g. 4096 and 1048576) and maxSize
// must exceed minSize. The engine passes the transfer buffer size, rounded
// up, as maxSize so a full chunk always has a bucket.
func NewBucketedBufferPool(minSize, maxSize int64) *BucketedBufferPool {
	if !isPowerOfTwo(minSize) {
		panic(fmt.Sprintf("minSize %d must be a power of two", minSize))
	}
	if !isPowerOfTwo(maxSize) {
		panic(fmt.Sprintf("maxSize %d must be a power of two", maxSize))
	}
	if maxSize <= minSize {
		panic("maxSize must be greater than minSize")
	}

	// For a power of two the trailing zero count is its exponent,
	// e.g. 4096 has 12.
	minExp := bits.TrailingZeros64(uint64(minSize))
	maxExp := bits.TrailingZeros64(uint64(maxSize))
	bp := &BucketedBufferPool{
		minExp:  minExp,
		maxExp:  maxExp,
		maxSize: maxSize,
		buckets: make([]sync.Pool, maxExp+1),
	}
	for i := minExp; i <= maxExp; i++ {
		size := int64(1) << i
		bp.buckets[i].New = func() any {
			b := make([]byte, int(size))
			return &b
		}
	}
	return bp
}

// Get returns a pointer to a slice of length size whose capacity is the
// bucket it came from. Empty chunks get a zero-length slice that is not
// pooled. Sizes above the largest bucket are allocated directly and never
// pooled, so one oversized read cannot grow the pool.
func (bp *BucketedBufferPool) Get(size int64) *[]byte {
	if size <= 0 {
		b := make([]byte, 0)
		return &b
	}
	if size > bp.maxSize {
		b := make([]byte, int(size))
		return &b
	}

	// Len64(size-1) is the exponent of the smallest power of two >= size,
	// e.g. 9000 maps to 14 (16 KiB).
	idx := max(bits.Len64(uint64(size-1)), bp.minExp)
	bufPtr := bp.buckets[idx].Get().(*[]byte)
	// Readers fill exactly len bytes, not the whole bucket.
	*bufPtr = (*bufPtr)[:int(size)]
	return bufPtr
}

// Put returns a buffer obtained from Get once the bridge consumer has
// written it out. Buffers whose capacity is not one of the pool's buckets
// are dropped.
func (bp *BucketedBufferPool) Put(bufPtr *[]byte) {
	if bufPtr == nil {
		return
	}
	capacity := int64(cap(*bufPtr))
	if capacity < (int64(1)<<bp.minExp) || capacity > bp.maxSize || !isPowerOfTwo(capacity) {
		return
	}
	// Restore the full length so the next Get can reslice freely.
	*bufPtr = (*bufPtr)[:capacity]
	bp.buckets[bits.TrailingZeros64(uint64(capacity))].Put(bufPtr)
}

// FixedBufferPool hands out buffers of one size. It backs the chunk buffer
// of the FTP transfer loop and of local file copies, and its size is the
// burst of the bandwidth limiter.
type FixedBufferPool struct {
	size int64
	pool sync.Pool
}

// NewFixedBuffer creates a pool of size-byte buffers.
func NewFixedBuffer(size int64) *FixedBufferPool {
	return &FixedBufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, int(size))
				return &b
			},
		},
	}
}

// Size returns the buffer size of the pool.
func (fp *FixedBufferPool) Size() int64 {
	return fp.size
}

// Get returns a buffer of exactly the pool's size, even if the previous
// user resliced it after a short read.
func (fp *FixedBufferPool) Get() *[]byte {
	b := fp.pool.Get().(*[]byte)
	*b = (*b)[:fp.size]
	return b
}

// Put returns a buffer to the pool. Only buffers of the pool's capacity are
// kept.
func (fp *FixedBufferPool) Put(b *[]byte) {
	if b == nil || int64(cap(*b)) != fp.size {
		return
	}
	*b = (*b)[:fp.size]
	fp.pool.Put(b)
}
