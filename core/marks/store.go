// Package marks tracks output chunks that have been sent to the client but
// not yet confirmed played. Delivery registers a record per chunk under an
// opaque mark id; the transport's asynchronous mark acknowledgment resolves
// it; an interruption discards the whole set, since the matching audio will
// never finish playing.
package marks

import (
	"sync"
	"time"
)

// Category describes what kind of output a mark belongs to.
type Category string

const (
	// CategoryPreAnnouncement is registered right before a payload is sent,
	// so its acknowledgment means playback of the payload has started.
	CategoryPreAnnouncement Category = "pre_announcement"
	// CategoryResponse covers ordinary synthesized response chunks.
	CategoryResponse Category = "response"
	// CategoryWelcome covers the agent welcome message.
	CategoryWelcome Category = "welcome_message"
	// CategoryHangup covers the final utterance before the agent hangs up.
	CategoryHangup Category = "hangup"
	// CategoryAmbientNoise covers background/comfort noise chunks.
	CategoryAmbientNoise Category = "ambient_noise"
	// CategoryLivenessCheck covers "are you still there?" prompts.
	CategoryLivenessCheck Category = "liveness_check"
)

// Terminal reports whether confirming the final chunk of this category ends
// the session.
func (c Category) Terminal() bool {
	return c == CategoryHangup
}

// Record is the metadata kept for one outstanding output chunk.
type Record struct {
	Category        Category
	SynthesizedText string
	// IsFinalChunk is set only when both the generation stream and the
	// synthesis stream have completed for the logical response unit this
	// chunk belongs to.
	IsFinalChunk bool
	// Duration is the computed play time of the chunk, zero when unknown
	// (non-audio chunks).
	Duration   time.Duration
	SequenceID string
}

// Store is the registry shared between the delivery path (producer) and the
// acknowledgment path (consumer). Implementations must be safe for
// concurrent use. The backend may be in-process or externally persisted.
type Store interface {
	Put(id string, record Record)
	Get(id string) (Record, bool)
	// Take removes and returns the record, so repeated acknowledgments of
	// the same mark are no-ops.
	Take(id string) (Record, bool)
	Clear()
	Len() int
}

// MemoryStore is the in-process Store used for a single call. Create one at
// call start and drop it at call end; ids only need to be unique within the
// call.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

func (s *MemoryStore) Put(id string, record Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[id] = record
}

func (s *MemoryStore) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	return record, ok
}

func (s *MemoryStore) Take(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if ok {
		delete(s.records, id)
	}
	return record, ok
}

func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = map[string]Record{}
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.records)
}
