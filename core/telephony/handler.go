package telephony

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relayvoice/relay-core/core/audio"
	"github.com/relayvoice/relay-core/core/marks"
	"github.com/relayvoice/relay-core/core/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type UnitKind string

const (
	UnitAudio UnitKind = "audio"
	UnitText  UnitKind = "text"
)

// OutputUnit is one deliverable chunk of a response: either synthesized audio
// or, on transports that allow it, plain text.
type OutputUnit struct {
	Kind UnitKind

	Audio    []byte
	Text     string
	Encoding audio.EncodingInfo

	// MarkID pins the trailing mark's id; a fresh one is generated when
	// empty.
	MarkID string

	Category        marks.Category
	SynthesizedText string

	// EndOfGeneration and EndOfSynthesis mark the tail ends of the two
	// upstream streams. Only a unit carrying both is the response's final
	// chunk.
	EndOfGeneration bool
	EndOfSynthesis  bool

	SequenceID string
}

// OutputHandler delivers output units over a provider's wire dialect. Every
// unit is bracketed by two marks: a leading one whose acknowledgment means
// playback started, and a trailing one whose acknowledgment means the unit
// finished playing.
type OutputHandler struct {
	sender   transport.Sender
	provider Provider
	store    marks.Store

	mu            sync.Mutex
	streamID      string
	welcomeSentAt time.Time
}

func NewOutputHandler(sender transport.Sender, provider Provider, store marks.Store, opts ...OutputHandlerOption) *OutputHandler {
	handler := &OutputHandler{
		sender:   sender,
		provider: provider,
		store:    store,
	}
	for _, opt := range opts {
		opt(handler)
	}
	return handler
}

type OutputHandlerOption func(*OutputHandler)

func WithStreamID(streamID string) OutputHandlerOption {
	return func(h *OutputHandler) { h.streamID = streamID }
}

// SetStreamID records the provider stream identifier, usually learned from
// the telephony start event after the handler is constructed.
func (h *OutputHandler) SetStreamID(streamID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streamID = streamID
}

func (h *OutputHandler) StreamID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streamID
}

// WelcomeSentAt returns when the welcome message was last delivered, zero if
// it never was.
func (h *OutputHandler) WelcomeSentAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.welcomeSentAt
}

// Deliver sends one output unit. The context is checked between frames so an
// interruption can abort mid-delivery; an aborted delivery leaves its
// already-registered marks for Interrupt to discard.
func (h *OutputHandler) Deliver(ctx context.Context, unit OutputUnit) error {
	ctx, span := tracer.Start(ctx, "deliver output unit")
	defer span.End()
	span.SetAttributes(
		attribute.String("unit.kind", string(unit.Kind)),
		attribute.String("unit.category", string(unit.Category)),
		attribute.Int("unit.audio_bytes", len(unit.Audio)),
	)

	streamID := h.StreamID()

	category := unit.Category
	if category == "" {
		category = marks.CategoryResponse
	}

	payload, err := h.formPayloadMessage(streamID, unit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "forming payload message")
		return err
	}

	preID := uuid.NewString()
	h.store.Put(preID, marks.Record{
		Category:   marks.CategoryPreAnnouncement,
		SequenceID: unit.SequenceID,
	})
	if err := h.sender.SendJSON(ctx, h.provider.FormMarkMessage(streamID, preID)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sending leading mark")
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := h.sender.SendJSON(ctx, payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sending payload")
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	markID := unit.MarkID
	if markID == "" {
		markID = uuid.NewString()
	}

	var duration time.Duration
	if unit.Kind == UnitAudio {
		// Duration reflects the payload as synthesized, before any
		// provider re-encoding.
		duration = unit.Encoding.Duration(len(unit.Audio))
	}
	h.store.Put(markID, marks.Record{
		Category:        category,
		SynthesizedText: unit.SynthesizedText,
		IsFinalChunk:    unit.EndOfGeneration && unit.EndOfSynthesis,
		Duration:        duration,
		SequenceID:      unit.SequenceID,
	})
	if err := h.sender.SendJSON(ctx, h.provider.FormMarkMessage(streamID, markID)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sending trailing mark")
		return err
	}

	if category == marks.CategoryWelcome {
		h.mu.Lock()
		h.welcomeSentAt = time.Now()
		h.mu.Unlock()
	}

	return nil
}

func (h *OutputHandler) formPayloadMessage(streamID string, unit OutputUnit) (any, error) {
	switch unit.Kind {
	case UnitText:
		messenger, ok := h.provider.(TextMessenger)
		if !ok {
			return nil, fmt.Errorf("provider %s does not carry text frames", h.provider.Name())
		}
		return messenger.FormTextMessage(unit.Text), nil
	case UnitAudio:
		encoding := unit.Encoding
		if encoding.IsZero() {
			encoding = h.provider.EncodingInfo()
		}
		return h.provider.FormMediaMessage(streamID, unit.Audio, encoding)
	}
	return nil, fmt.Errorf("unknown output unit kind %q", unit.Kind)
}

// Interrupt asks the provider to flush any buffered playback and discards
// every outstanding mark. The marks are discarded even when the clear frame
// fails to send, since their audio will never be confirmed either way.
func (h *OutputHandler) Interrupt(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "interrupt playback")
	defer span.End()

	err := h.sender.SendJSON(ctx, h.provider.FormClearMessage(h.StreamID()))
	if err != nil {
		span.RecordError(err)
	}

	span.SetAttributes(attribute.Int("marks.discarded", h.store.Len()))
	h.store.Clear()
	return err
}

// AcknowledgeInit confirms a client init message.
func (h *OutputHandler) AcknowledgeInit(ctx context.Context) error {
	return h.sender.SendJSON(ctx, map[string]any{"type": "ack"})
}
