package orchestration

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/relayvoice/relay-core/core/marks"
	"github.com/relayvoice/relay-core/core/transport"
)

type fakeReceiver struct {
	messages []transport.Message
	err      error
}

func (r *fakeReceiver) Receive(_ context.Context) (transport.Message, error) {
	if len(r.messages) == 0 {
		if r.err != nil {
			return transport.Message{}, r.err
		}
		return transport.Message{}, transport.ErrClosed
	}
	message := r.messages[0]
	r.messages = r.messages[1:]
	return message, nil
}

func newTestDemux(store marks.Store, opts ...DemuxOption) (*InputDemux, *Queue, *Queue) {
	transcriberQueue := NewQueue(10)
	generationQueue := NewQueue(10)
	demux := NewInputDemux(&fakeReceiver{}, store, transcriberQueue, generationQueue, opts...)
	return demux, transcriberQueue, generationQueue
}

func expectSignal(t *testing.T, demux *InputDemux, kind SignalKind) Signal {
	t.Helper()
	select {
	case signal := <-demux.Signals():
		if signal.Kind != kind {
			t.Fatalf("expected signal %q, got %q", kind, signal.Kind)
		}
		return signal
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for signal %q", kind)
		return Signal{}
	}
}

func expectNoSignal(t *testing.T, demux *InputDemux) {
	t.Helper()
	select {
	case signal := <-demux.Signals():
		t.Fatalf("unexpected signal %q", signal.Kind)
	default:
	}
}

func TestDispatchRoutesAudioToTranscriberQueue(t *testing.T) {
	demux, transcriberQueue, _ := newTestDemux(marks.NewMemoryStore())
	payload := []byte{0x01, 0x02, 0x03}

	err := demux.Dispatch(context.Background(), transport.Message{
		Type: transport.MessageTypeAudio,
		Data: base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		t.Fatalf("dispatching audio: %v", err)
	}

	packet, err := transcriberQueue.Get(context.Background())
	if err != nil {
		t.Fatalf("reading transcriber queue: %v", err)
	}
	if string(packet.Audio) != string(payload) {
		t.Errorf("payload was not decoded, got %v", packet.Audio)
	}
	if packet.Meta.Kind != PacketAudio || packet.Meta.Sequence != 1 {
		t.Errorf("unexpected packet meta: %+v", packet.Meta)
	}
}

func TestDispatchTagsTextOnlySessions(t *testing.T) {
	demux, _, generationQueue := newTestDemux(marks.NewMemoryStore(), WithTextOnlySession())

	err := demux.Dispatch(context.Background(), transport.Message{
		Type: transport.MessageTypeText,
		Data: "hello",
	})
	if err != nil {
		t.Fatalf("dispatching text: %v", err)
	}

	packet, err := generationQueue.Get(context.Background())
	if err != nil {
		t.Fatalf("reading generation queue: %v", err)
	}
	if packet.Text != "hello" || !packet.Meta.BypassSynthesis {
		t.Errorf("expected bypass-tagged text packet, got %+v", packet)
	}
}

func TestMarkAcknowledgmentLifecycle(t *testing.T) {
	store := marks.NewMemoryStore()
	demux, _, _ := newTestDemux(store)

	store.Put("pre-1", marks.Record{Category: marks.CategoryPreAnnouncement})
	store.Put("chunk-1", marks.Record{
		Category:        marks.CategoryResponse,
		SynthesizedText: "hello caller",
		IsFinalChunk:    true,
	})

	ack := func(name string) {
		if err := demux.Dispatch(context.Background(), transport.Message{
			Type: transport.MessageTypeMark,
			Name: name,
		}); err != nil {
			t.Fatalf("acknowledging %s: %v", name, err)
		}
	}

	ack("pre-1")
	if !demux.IsPlaybackActive() {
		t.Fatalf("pre-announcement ack must flag playback active")
	}

	ack("chunk-1")
	if demux.IsPlaybackActive() {
		t.Errorf("final chunk ack must flag playback inactive")
	}
	signal := expectSignal(t, demux, SignalFinalChunkPlayed)
	if signal.Category != marks.CategoryResponse {
		t.Errorf("unexpected signal category %q", signal.Category)
	}
	if demux.TakePlayedText() != "hello caller" {
		t.Errorf("played text was not accumulated")
	}
	if demux.TakeAckedChunks() != 1 {
		t.Errorf("acked chunk count is off")
	}

	// Replayed acknowledgment of a resolved mark is a no-op.
	ack("chunk-1")
	expectNoSignal(t, demux)
	if demux.TakeAckedChunks() != 0 {
		t.Errorf("replayed ack must not count again")
	}
}

func TestLivenessCheckDoesNotEndPlayback(t *testing.T) {
	store := marks.NewMemoryStore()
	demux, _, _ := newTestDemux(store)

	store.Put("pre-1", marks.Record{Category: marks.CategoryPreAnnouncement})
	store.Put("liveness-1", marks.Record{
		Category:     marks.CategoryLivenessCheck,
		IsFinalChunk: true,
	})

	demux.Dispatch(context.Background(), transport.Message{Type: transport.MessageTypeMark, Name: "pre-1"})
	demux.Dispatch(context.Background(), transport.Message{Type: transport.MessageTypeMark, Name: "liveness-1"})

	if !demux.IsPlaybackActive() {
		t.Errorf("liveness prompt must not end playback")
	}
	expectNoSignal(t, demux)
}

func TestHangupRaisesTerminateSignal(t *testing.T) {
	store := marks.NewMemoryStore()
	demux, _, _ := newTestDemux(store)

	store.Put("bye-1", marks.Record{
		Category:     marks.CategoryHangup,
		IsFinalChunk: true,
	})

	demux.Dispatch(context.Background(), transport.Message{Type: transport.MessageTypeMark, Name: "bye-1"})

	expectSignal(t, demux, SignalFinalChunkPlayed)
	expectSignal(t, demux, SignalSessionTerminate)
}

func TestWelcomeRaisesWelcomeSignal(t *testing.T) {
	store := marks.NewMemoryStore()
	demux, _, _ := newTestDemux(store)

	store.Put("welcome-1", marks.Record{
		Category:     marks.CategoryWelcome,
		IsFinalChunk: true,
	})

	demux.Dispatch(context.Background(), transport.Message{Type: transport.MessageTypeMark, Name: "welcome-1"})

	expectSignal(t, demux, SignalWelcomePlayed)
	expectSignal(t, demux, SignalFinalChunkPlayed)

	if !demux.WelcomePlayed() {
		t.Errorf("welcome played flag not set")
	}
	if demux.TakeAckedChunks() != 0 || demux.TakePlayedText() != "" {
		t.Errorf("welcome playback must not count towards the response tally")
	}
}

func TestDispatchInitRaisesSignalWithMetadata(t *testing.T) {
	demux, _, _ := newTestDemux(marks.NewMemoryStore())

	err := demux.Dispatch(context.Background(), transport.Message{
		Type:     transport.MessageTypeInit,
		MetaData: map[string]any{"caller": "+15550100"},
	})
	if err != nil {
		t.Fatalf("dispatching init: %v", err)
	}

	signal := expectSignal(t, demux, SignalSessionInit)
	if signal.MetaData["caller"] != "+15550100" {
		t.Errorf("init metadata was not carried, got %v", signal.MetaData)
	}
}

func TestListenSurvivesUnrecognizedMessages(t *testing.T) {
	transcriberQueue := NewQueue(10)
	generationQueue := NewQueue(10)
	receiver := &fakeReceiver{messages: []transport.Message{
		{Type: "bogus"},
		{Type: transport.MessageTypeText, Data: "still here"},
	}}
	demux := NewInputDemux(receiver, marks.NewMemoryStore(), transcriberQueue, generationQueue)

	if err := demux.Listen(context.Background()); err != nil {
		t.Fatalf("listen should treat a closed connection as clean shutdown, got %v", err)
	}

	packet, err := generationQueue.Get(context.Background())
	if err != nil {
		t.Fatalf("reading generation queue: %v", err)
	}
	if packet.Text != "still here" {
		t.Errorf("message after the bogus frame was lost")
	}

	packet, err = transcriberQueue.Get(context.Background())
	if err != nil {
		t.Fatalf("reading transcriber queue: %v", err)
	}
	if !packet.EOS {
		t.Errorf("expected end of stream after disconnect, got %+v", packet)
	}
}

func TestQueueDeliversEOSAgainstFullBuffer(t *testing.T) {
	queue := NewQueue(1)

	if err := queue.Put(context.Background(), StreamPacket{Text: "buffered"}); err != nil {
		t.Fatalf("filling queue: %v", err)
	}
	queue.CloseWithEOS()

	if err := queue.Put(context.Background(), StreamPacket{Text: "late"}); err != ErrQueueClosed {
		t.Errorf("expected ErrQueueClosed after close, got %v", err)
	}

	packet, err := queue.Get(context.Background())
	if err != nil {
		t.Fatalf("draining queue: %v", err)
	}
	if packet.Text != "buffered" {
		t.Errorf("buffered packet must be drained before EOS")
	}

	packet, err = queue.Get(context.Background())
	if err != nil {
		t.Fatalf("reading EOS: %v", err)
	}
	if !packet.EOS {
		t.Errorf("expected EOS packet, got %+v", packet)
	}
}
