package orchestration

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/relayvoice/relay-core/core/marks"
	"github.com/relayvoice/relay-core/core/transport"
	"go.opentelemetry.io/otel/attribute"
)

// InputDemux routes inbound transport frames: audio to the transcription
// queue, text to the generation queue, mark acknowledgments to the mark
// store. It keeps the session's view of what the client has actually played
// and raises signals for playback and lifecycle events.
type InputDemux struct {
	receiver transport.Receiver
	store    marks.Store

	transcriberQueue *Queue
	generationQueue  *Queue

	signals    chan Signal
	exclusions map[marks.Category]bool
	textOnly   bool
	source     string

	mu             sync.Mutex
	playbackActive bool
	welcomePlayed  bool
	playedText     strings.Builder
	ackedChunks    int
	sequence       int
}

func NewInputDemux(
	receiver transport.Receiver,
	store marks.Store,
	transcriberQueue *Queue,
	generationQueue *Queue,
	opts ...DemuxOption,
) *InputDemux {
	demux := &InputDemux{
		receiver:         receiver,
		store:            store,
		transcriberQueue: transcriberQueue,
		generationQueue:  generationQueue,
		signals:          make(chan Signal, 16),
		// Liveness prompts check whether the caller is still there; their
		// playback must not be mistaken for the response finishing.
		exclusions: map[marks.Category]bool{
			marks.CategoryLivenessCheck: true,
		},
		source: "client",
	}
	for _, opt := range opts {
		opt(demux)
	}
	return demux
}

type DemuxOption func(*InputDemux)

// WithPlaybackSignalExclusions replaces the set of mark categories whose
// final chunks do not raise playback-finished signals.
func WithPlaybackSignalExclusions(categories ...marks.Category) DemuxOption {
	return func(d *InputDemux) {
		d.exclusions = map[marks.Category]bool{}
		for _, category := range categories {
			d.exclusions[category] = true
		}
	}
}

// WithTextOnlySession tags inbound text so it skips synthesis downstream.
func WithTextOnlySession() DemuxOption {
	return func(d *InputDemux) { d.textOnly = true }
}

func WithSource(source string) DemuxOption {
	return func(d *InputDemux) { d.source = source }
}

// Signals exposes session-level events raised while demultiplexing.
func (d *InputDemux) Signals() <-chan Signal {
	return d.signals
}

// Listen receives until the connection closes or ctx is cancelled, then
// announces end of stream on both queues. A dispatch failure is logged, not
// fatal; the loop keeps serving subsequent frames.
func (d *InputDemux) Listen(ctx context.Context) error {
	defer d.transcriberQueue.CloseWithEOS()
	defer d.generationQueue.CloseWithEOS()

	for {
		message, err := d.receiver.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		if err := d.Dispatch(ctx, message); err != nil {
			logger.Warn("failed to dispatch inbound message",
				"type", message.Type,
				"error", err.Error(),
			)
		}
	}
}

// Dispatch routes a single inbound message.
func (d *InputDemux) Dispatch(ctx context.Context, message transport.Message) error {
	ctx, span := tracer.Start(ctx, "dispatch inbound message")
	defer span.End()
	span.SetAttributes(attribute.String("message.type", message.Type))

	switch message.Type {
	case transport.MessageTypeAudio:
		payload, err := base64.StdEncoding.DecodeString(message.Data)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("decoding audio payload: %w", err)
		}
		return d.transcriberQueue.Put(ctx, StreamPacket{
			Audio: payload,
			Meta:  d.nextMeta(PacketAudio),
		})

	case transport.MessageTypeText:
		meta := d.nextMeta(PacketText)
		meta.BypassSynthesis = d.textOnly
		return d.generationQueue.Put(ctx, StreamPacket{
			Text: message.Data,
			Meta: meta,
		})

	case transport.MessageTypeMark:
		d.acknowledgeMark(message.Name)
		return nil

	case transport.MessageTypeInit:
		trySignal(d.signals, Signal{
			Kind:     SignalSessionInit,
			MetaData: message.MetaData,
		})
		return nil
	}

	return fmt.Errorf("unrecognized message type %q", message.Type)
}

func (d *InputDemux) nextMeta(kind PacketKind) PacketMeta {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sequence++
	return PacketMeta{
		Source:     d.source,
		Kind:       kind,
		Sequence:   d.sequence,
		ReceivedAt: time.Now(),
	}
}

// acknowledgeMark resolves a playback confirmation. Acknowledging a mark that
// was already resolved, or never registered, is a no-op.
func (d *InputDemux) acknowledgeMark(markID string) {
	record, ok := d.store.Take(markID)
	if !ok {
		return
	}

	if record.Category == marks.CategoryPreAnnouncement {
		d.mu.Lock()
		d.playbackActive = true
		d.mu.Unlock()
		return
	}

	d.mu.Lock()
	d.ackedChunks++
	d.playedText.WriteString(record.SynthesizedText)
	d.mu.Unlock()

	if !record.IsFinalChunk {
		return
	}

	if record.Category == marks.CategoryWelcome {
		// The welcome precedes the conversation proper; its playback
		// does not count towards the first response's tally.
		d.mu.Lock()
		d.welcomePlayed = true
		d.ackedChunks = 0
		d.playedText.Reset()
		d.mu.Unlock()

		trySignal(d.signals, Signal{
			Kind:     SignalWelcomePlayed,
			Category: record.Category,
		})
	}

	if d.exclusions[record.Category] {
		return
	}

	d.mu.Lock()
	d.playbackActive = false
	d.mu.Unlock()

	trySignal(d.signals, Signal{
		Kind:     SignalFinalChunkPlayed,
		Category: record.Category,
	})

	if record.Category.Terminal() {
		trySignal(d.signals, Signal{
			Kind:     SignalSessionTerminate,
			Category: record.Category,
		})
	}
}

// WelcomePlayed reports whether the welcome message finished playing.
func (d *InputDemux) WelcomePlayed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.welcomePlayed
}

// IsPlaybackActive reports whether the client is currently playing output.
func (d *InputDemux) IsPlaybackActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.playbackActive
}

// TakePlayedText returns the text confirmed played since the last call and
// resets the accumulator. An interruption uses it to record how much of the
// response the caller actually heard.
func (d *InputDemux) TakePlayedText() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	text := d.playedText.String()
	d.playedText.Reset()
	return text
}

// TakeAckedChunks returns the number of chunks confirmed played since the
// last call and resets the counter.
func (d *InputDemux) TakeAckedChunks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := d.ackedChunks
	d.ackedChunks = 0
	return count
}
