package orchestration

import (
	"context"
	"errors"
	"sync"
	"time"
)

const defaultQueueCapacity = 100

// ErrQueueClosed is returned by Put once end-of-stream has been announced.
var ErrQueueClosed = errors.New("queue closed")

type PacketKind string

const (
	PacketAudio PacketKind = "audio"
	PacketText  PacketKind = "text"
)

type PacketMeta struct {
	Source   string
	Kind     PacketKind
	Sequence int

	// BypassSynthesis tags text that should be delivered as-is instead of
	// being synthesized, used by text-only sessions.
	BypassSynthesis bool

	ReceivedAt time.Time
}

// StreamPacket is one item flowing between pipeline stages. A packet with EOS
// set carries no payload and means the stream is over.
type StreamPacket struct {
	Audio []byte
	Text  string
	Meta  PacketMeta
	EOS   bool
}

// Queue is a bounded buffer between pipeline stages. Producers block when the
// queue is full, but end-of-stream is announced out of band so it is always
// observed even against a full queue. Consumers drain buffered packets before
// seeing EOS.
type Queue struct {
	ch   chan StreamPacket
	done chan struct{}

	closeOnce sync.Once
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &Queue{
		ch:   make(chan StreamPacket, capacity),
		done: make(chan struct{}),
	}
}

func (q *Queue) Put(ctx context.Context, packet StreamPacket) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	select {
	case q.ch <- packet:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseWithEOS announces end of stream. Safe to call multiple times.
func (q *Queue) CloseWithEOS() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

// Get returns the next packet, or a packet with EOS set once the queue is
// closed and drained.
func (q *Queue) Get(ctx context.Context) (StreamPacket, error) {
	// Buffered packets win over the close announcement.
	select {
	case packet := <-q.ch:
		return packet, nil
	default:
	}

	select {
	case packet := <-q.ch:
		return packet, nil
	case <-q.done:
		// A packet may have raced in between the two selects.
		select {
		case packet := <-q.ch:
			return packet, nil
		default:
		}
		return StreamPacket{EOS: true}, nil
	case <-ctx.Done():
		return StreamPacket{}, ctx.Err()
	}
}

func (q *Queue) Len() int {
	return len(q.ch)
}
