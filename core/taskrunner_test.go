package orchestration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relayvoice/relay-core/core/audio"
	"github.com/relayvoice/relay-core/core/llms"
	"github.com/relayvoice/relay-core/core/marks"
	"github.com/relayvoice/relay-core/core/telephony"
)

type stubStreamingLLM struct {
	stream llms.Stream
	calls  int
}

func (s *stubStreamingLLM) GenerateStream(_ context.Context, _ []llms.Message, _ ...llms.GenerateOption) llms.Stream {
	s.calls++
	return s.stream
}

type countingTranscriber struct {
	calls int
}

func (t *countingTranscriber) Transcribe(_ context.Context, _ []byte) (string, error) {
	t.calls++
	return "hi", nil
}

type stubSynthesizer struct{}

func (s *stubSynthesizer) Synthesize(_ context.Context, text string) ([]byte, error) {
	return make([]byte, len(text)*100), nil
}

func (s *stubSynthesizer) EncodingInfo() audio.EncodingInfo {
	return audio.EncodingInfo{SampleRate: 8000, Format: audio.EncodingMulaw}
}

type collectSink struct {
	units []telephony.OutputUnit
}

func (s *collectSink) Deliver(_ context.Context, unit telephony.OutputUnit) error {
	s.units = append(s.units, unit)
	return nil
}

func collectTurn(runner *TaskRunner, input StreamPacket) ([]telephony.OutputUnit, error) {
	var units []telephony.OutputUnit
	var turnErr error
	for unit, err := range runner.Process(context.Background(), input) {
		if err != nil {
			turnErr = err
			continue
		}
		units = append(units, unit)
	}
	return units, turnErr
}

func TestProcessTurnProducesTextUnits(t *testing.T) {
	llm := &stubStreamingLLM{stream: &fakeStream{chunks: contentChunks("Hello there, caller.", 20)}}
	runner := NewTaskRunner(TaskConfig{Type: TaskConversation}, WithStreamingLLM(llm))

	units, err := collectTurn(runner, StreamPacket{Text: "hi"})
	if err != nil {
		t.Fatalf("processing turn: %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("expected one output unit, got %d", len(units))
	}
	unit := units[0]
	if unit.Kind != telephony.UnitText || unit.Text != "Hello there, caller." {
		t.Errorf("unexpected unit %+v", unit)
	}
	if !unit.EndOfGeneration || !unit.EndOfSynthesis {
		t.Errorf("single unit must carry both end flags")
	}

	turns := runner.Turns()
	if len(turns) != 1 {
		t.Fatalf("expected one recorded turn, got %d", len(turns))
	}
	if turns[0].TurnID != 1 || turns[0].Transcript != "hi" || turns[0].Response != "Hello there, caller." {
		t.Errorf("unexpected turn record %+v", turns[0])
	}

	if _, err := collectTurn(runner, StreamPacket{Text: "again"}); err != nil {
		t.Fatalf("processing second turn: %v", err)
	}
	turns = runner.Turns()
	if len(turns) != 2 || turns[1].TurnID != 2 {
		t.Errorf("turn ids must increase monotonically, got %+v", turns)
	}
	if turns[0].SequenceID == turns[1].SequenceID {
		t.Errorf("each turn needs its own sequence id")
	}
}

func TestProcessSynthesizesWhenEnabled(t *testing.T) {
	llm := &stubStreamingLLM{stream: &fakeStream{chunks: contentChunks("Sure, one moment.", 17)}}
	sink := &collectSink{}
	runner := NewTaskRunner(
		TaskConfig{Type: TaskConversation, SynthesizerEnabled: true},
		WithStreamingLLM(llm),
		WithSynthesizer(&stubSynthesizer{}),
		WithOutputSink(sink),
	)

	units, err := collectTurn(runner, StreamPacket{Text: "hi"})
	if err != nil {
		t.Fatalf("processing turn: %v", err)
	}
	if len(units) != 1 || units[0].Kind != telephony.UnitAudio {
		t.Fatalf("expected a synthesized audio unit, got %+v", units)
	}
	if units[0].SynthesizedText != "Sure, one moment." {
		t.Errorf("unit must remember what was synthesized")
	}
	if units[0].Encoding.SampleRate != 8000 {
		t.Errorf("unit must carry the synthesizer's encoding")
	}
	if len(sink.units) != 1 {
		t.Errorf("unit was not delivered to the sink")
	}
}

func TestProcessBypassesSynthesisWhenTagged(t *testing.T) {
	response := "Typed reply that runs well past the flush threshold and belongs together."
	llm := &stubStreamingLLM{stream: &fakeStream{chunks: contentChunks(response, 10)}}
	runner := NewTaskRunner(
		TaskConfig{Type: TaskConversation, SynthesizerEnabled: true},
		WithStreamingLLM(llm),
		WithSynthesizer(&stubSynthesizer{}),
	)

	units, err := collectTurn(runner, StreamPacket{
		Text: "hi",
		Meta: PacketMeta{BypassSynthesis: true},
	})
	if err != nil {
		t.Fatalf("processing turn: %v", err)
	}
	// Without synthesis there is no reason to chunk, the whole response
	// goes out as one text unit.
	if len(units) != 1 || units[0].Kind != telephony.UnitText {
		t.Fatalf("bypass-tagged input must produce a single text unit, got %+v", units)
	}
	if units[0].Text != response {
		t.Errorf("expected the response in one piece, got %q", units[0].Text)
	}
}

func TestProcessRetriesThenDegrades(t *testing.T) {
	llm := &stubStreamingLLM{stream: &fakeStream{err: errors.New("model unavailable")}}
	sink := &collectSink{}
	runner := NewTaskRunner(
		TaskConfig{Type: TaskConversation},
		WithStreamingLLM(llm),
		WithOutputSink(sink),
		WithRetryBackoff(time.Millisecond),
	)

	started := time.Now()
	units, err := collectTurn(runner, StreamPacket{Text: "hi"})
	elapsed := time.Since(started)

	// Two backoff waits, doubling from the base: 1ms then 2ms.
	if elapsed < 3*time.Millisecond {
		t.Errorf("expected exponential backoff between attempts, finished in %v", elapsed)
	}
	if llm.calls != 3 {
		t.Errorf("expected 3 generation attempts, got %d", llm.calls)
	}
	if len(units) != 1 || units[0].Text != degradedResponseText {
		t.Fatalf("expected a single degraded unit, got %+v", units)
	}
	if !units[0].EndOfGeneration || !units[0].EndOfSynthesis {
		t.Errorf("degraded unit must carry both end flags")
	}
	if err == nil {
		t.Fatalf("expected the stage error to surface")
	}
	if !errors.Is(err, ErrGeneration) {
		t.Errorf("expected a generation error, got %v", err)
	}
	var taskErr *TaskError
	if !errors.As(err, &taskErr) || taskErr.Stage != StageGeneration {
		t.Errorf("expected a generation-stage task error, got %v", err)
	}
	if len(sink.units) != 1 {
		t.Errorf("degraded unit was not delivered")
	}
	if len(runner.Turns()) != 0 {
		t.Errorf("degraded turn must not be recorded as completed")
	}
}

func TestProcessRetriesRestartFromInputStage(t *testing.T) {
	llm := &stubStreamingLLM{stream: &fakeStream{err: errors.New("model unavailable")}}
	transcriber := &countingTranscriber{}
	runner := NewTaskRunner(
		TaskConfig{Type: TaskConversation, TranscriberEnabled: true},
		WithStreamingLLM(llm),
		WithTranscriber(transcriber),
		WithRetryBackoff(time.Millisecond),
	)

	_, err := collectTurn(runner, StreamPacket{Audio: []byte{0x01, 0x02, 0x03}})
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("expected the generation failure to surface, got %v", err)
	}

	// One attempt budget covers the whole turn, so every retry re-runs
	// input processing before generating again.
	if transcriber.calls != 3 {
		t.Errorf("expected the input stage to run on each attempt, transcriber called %d time(s)", transcriber.calls)
	}
	if llm.calls != 3 {
		t.Errorf("expected 3 generation attempts, got %d", llm.calls)
	}
}

func TestProcessFailsWithoutModel(t *testing.T) {
	runner := NewTaskRunner(TaskConfig{Type: TaskConversation})

	_, err := collectTurn(runner, StreamPacket{Text: "hi"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestDeliverWelcomeIsIdempotent(t *testing.T) {
	sink := &collectSink{}
	runner := NewTaskRunner(
		TaskConfig{Type: TaskConversation, WelcomeMessage: "Welcome!"},
		WithStreamingLLM(&stubStreamingLLM{stream: &fakeStream{}}),
		WithOutputSink(sink),
	)

	if err := runner.DeliverWelcome(context.Background()); err != nil {
		t.Fatalf("delivering welcome: %v", err)
	}
	if err := runner.DeliverWelcome(context.Background()); err != nil {
		t.Fatalf("redelivering welcome: %v", err)
	}

	if len(sink.units) != 1 {
		t.Fatalf("welcome must be delivered exactly once, got %d units", len(sink.units))
	}
	if sink.units[0].Category != marks.CategoryWelcome {
		t.Errorf("unexpected welcome category %q", sink.units[0].Category)
	}
}

func TestProcessAfterCloseFails(t *testing.T) {
	runner := NewTaskRunner(TaskConfig{Type: TaskConversation},
		WithStreamingLLM(&stubStreamingLLM{stream: &fakeStream{}}))

	if err := runner.Close(); err != nil {
		t.Fatalf("closing runner: %v", err)
	}
	if err := runner.Close(); err != nil {
		t.Fatalf("closing twice must be safe: %v", err)
	}

	if _, err := collectTurn(runner, StreamPacket{Text: "hi"}); err == nil {
		t.Fatalf("expected processing after close to fail")
	}
}
