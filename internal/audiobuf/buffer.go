// Package audiobuf implements the bounded, ordered holding area for audio
// captured before the connection is authenticated (the "handshake cage").
//
// Capture runs as an independent producer and calls [Buffer.Enqueue] without
// ever blocking on network state. The connection owner drains the buffer with
// [Buffer.Flush] once the session is authenticated; frames enqueued while a
// flush is in progress are appended after the flushed set. When the byte cap
// would be exceeded the configured [Policy] is applied and reported back to
// the producer as [Pressure].
//
// All methods are safe for concurrent use.
package audiobuf

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/scribelink/internal/credential"
)

// DefaultMaxBytes caps the buffer at roughly ten minutes of 16 kHz mono
// 16-bit PCM.
const DefaultMaxBytes = 600 * 16000 * 2

var (
	// ErrFrameTooLarge is returned when a single frame exceeds the byte cap.
	ErrFrameTooLarge = errors.New("audiobuf: frame larger than buffer cap")

	// ErrRejected is returned by Enqueue under [PolicyRejectNew] when the frame
	// does not fit.
	ErrRejected = errors.New("audiobuf: buffer full, frame rejected")

	// ErrClosed is returned by Enqueue after [Buffer.Close].
	ErrClosed = errors.New("audiobuf: buffer closed")
)

// Policy selects what happens when an enqueue would breach the byte cap.
type Policy string

const (
	// PolicyDropOldest evicts the oldest frames until the new frame fits. It
	// bounds memory while keeping the most recent speech.
	PolicyDropOldest Policy = "drop_oldest"

	// PolicyRejectNew keeps the buffered frames and refuses the new one.
	PolicyRejectNew Policy = "reject_new"
)

// IsValid reports whether p is a recognised overflow policy.
func (p Policy) IsValid() bool {
	return p == PolicyDropOldest || p == PolicyRejectNew
}

// Frame is one chunk of captured audio.
type Frame struct {
	// Seq is a monotonic capture sequence number.
	Seq uint64

	// Payload is raw PCM. The buffer takes ownership on Enqueue.
	Payload []byte

	// CapturedAt is the wall-clock capture time.
	CapturedAt time.Time
}

// Pressure reports the effect of one Enqueue call on the buffer.
type Pressure struct {
	// Dropped is the number of frames evicted to make room.
	Dropped int

	// DroppedBytes is the payload size of the evicted frames.
	DroppedBytes int

	// Rejected is true when the new frame itself was refused.
	Rejected bool

	// Fill is the buffer occupancy after the call, in [0, 1].
	Fill float64
}

// Overrun reports whether the call lost any audio.
func (p Pressure) Overrun() bool { return p.Dropped > 0 || p.Rejected }

// Option configures a [Buffer].
type Option func(*Buffer)

// WithPolicy sets the overflow policy. The default is [PolicyDropOldest].
func WithPolicy(p Policy) Option {
	return func(b *Buffer) {
		if p.IsValid() {
			b.policy = p
		}
	}
}

// WithZeroOnSend makes Flush zero each payload right after it was sent.
// Used for incognito sessions.
func WithZeroOnSend(on bool) Option {
	return func(b *Buffer) { b.zeroOnSend = on }
}

// Buffer is a bounded FIFO of audio frames.
type Buffer struct {
	maxBytes   int
	policy     Policy
	zeroOnSend bool

	// flushMu serialises Flush calls so two flushes cannot interleave on the wire.
	flushMu sync.Mutex

	mu      sync.Mutex
	frames  []Frame
	size    int
	dropped uint64
	purged  uint64 // generation bumped by Purge
	closed  bool

	ready chan struct{}
}

// New returns an empty Buffer capped at maxBytes. A non-positive maxBytes
// selects [DefaultMaxBytes].
func New(maxBytes int, opts ...Option) *Buffer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	b := &Buffer{
		maxBytes: maxBytes,
		policy:   PolicyDropOldest,
		ready:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Enqueue appends f in arrival order. If f does not fit, the overflow policy
// is applied and the returned [Pressure] describes what was lost. Enqueue
// never blocks on the consumer.
func (b *Buffer) Enqueue(f Frame) (Pressure, error) {
	n := len(f.Payload)
	if n > b.maxBytes {
		credential.Zero(f.Payload)
		return Pressure{Rejected: true, Fill: b.fill()}, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, n, b.maxBytes)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		credential.Zero(f.Payload)
		return Pressure{}, ErrClosed
	}
	var p Pressure
	if b.size+n > b.maxBytes {
		if b.policy == PolicyRejectNew {
			b.dropped++
			p.Rejected = true
			p.Fill = float64(b.size) / float64(b.maxBytes)
			b.mu.Unlock()
			credential.Zero(f.Payload)
			return p, ErrRejected
		}
		p.Dropped, p.DroppedBytes = b.evictLocked(b.size + n - b.maxBytes)
	}
	b.frames = append(b.frames, f)
	b.size += n
	p.Fill = float64(b.size) / float64(b.maxBytes)
	b.mu.Unlock()

	b.signal()
	return p, nil
}

// evictLocked drops frames from the head until at least need bytes are freed.
// Must be called with b.mu held.
func (b *Buffer) evictLocked(need int) (count, freed int) {
	i := 0
	for i < len(b.frames) && freed < need {
		freed += len(b.frames[i].Payload)
		credential.Zero(b.frames[i].Payload)
		b.frames[i] = Frame{}
		i++
	}
	b.frames = b.frames[i:]
	b.size -= freed
	b.dropped += uint64(i)
	return i, freed
}

// Flush hands every buffered frame to send in FIFO order and removes it from
// the buffer. Frames enqueued while Flush runs are kept for the next call and
// stay ordered after the flushed set. If send fails, the unsent frames are put
// back at the head of the buffer and the error is returned; nothing is sent
// twice.
func (b *Buffer) Flush(send func(Frame) error) (int, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.frames
	gen := b.purged
	b.frames = nil
	b.size = 0
	b.mu.Unlock()

	for i, f := range batch {
		if err := send(f); err != nil {
			b.requeue(batch[i:], gen)
			return i, err
		}
		if b.zeroOnSend {
			credential.Zero(f.Payload)
		}
		batch[i] = Frame{}
	}
	return len(batch), nil
}

// requeue puts rest back in front of anything enqueued during the flush,
// re-applying the cap. Frames are discarded if the buffer was purged meanwhile.
func (b *Buffer) requeue(rest []Frame, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.purged != gen {
		for _, f := range rest {
			credential.Zero(f.Payload)
		}
		return
	}
	merged := make([]Frame, 0, len(rest)+len(b.frames))
	merged = append(merged, rest...)
	merged = append(merged, b.frames...)
	b.frames = merged
	for _, f := range rest {
		b.size += len(f.Payload)
	}
	if b.size > b.maxBytes {
		b.evictLocked(b.size - b.maxBytes)
	}
}

// Purge zeroes every buffered payload and empties the buffer. Used for
// incognito teardown, bans and fatal aborts.
func (b *Buffer) Purge() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.frames)
	for i := range b.frames {
		credential.Zero(b.frames[i].Payload)
		b.frames[i] = Frame{}
	}
	b.frames = nil
	b.size = 0
	b.purged++
	return n
}

// Close purges the buffer and refuses further frames. A producer still
// holding a reference cannot leave audio behind in a detached buffer.
func (b *Buffer) Close() int {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.Purge()
}

// Ready returns a channel that receives a value after frames were enqueued.
// It is level-triggered with a capacity of one; consumers should drain the
// buffer completely on each receive.
func (b *Buffer) Ready() <-chan struct{} { return b.ready }

// Len returns the number of buffered frames.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Size returns the buffered payload size in bytes.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the byte cap.
func (b *Buffer) Cap() int { return b.maxBytes }

// Dropped returns the total number of frames lost to the overflow policy.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Buffer) fill() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.size) / float64(b.maxBytes)
}

func (b *Buffer) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}
