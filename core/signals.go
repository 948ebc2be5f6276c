package orchestration

import (
	"time"

	"github.com/relayvoice/relay-core/core/marks"
)

// SignalKind names a session-level event raised by the input demultiplexer.
type SignalKind string

const (
	// SignalFinalChunkPlayed fires when the client confirms the last chunk
	// of a response finished playing.
	SignalFinalChunkPlayed SignalKind = "playback.final_chunk_played"
	// SignalWelcomePlayed fires when the welcome message finished playing.
	SignalWelcomePlayed SignalKind = "playback.welcome_played"
	// SignalSessionInit fires when the client sends its init message.
	SignalSessionInit SignalKind = "session.init"
	// SignalSessionTerminate fires when a terminal utterance, such as the
	// hangup message, finished playing.
	SignalSessionTerminate SignalKind = "session.terminate"
)

type Signal struct {
	Kind     SignalKind
	Category marks.Category
	MetaData map[string]any
	At       time.Time
}

// trySignal delivers without blocking; the demux loop must never stall on a
// slow signal consumer. Dropped signals are logged.
func trySignal(signals chan<- Signal, signal Signal) {
	signal.At = time.Now()
	select {
	case signals <- signal:
	default:
		logger.Warn("dropping session signal, consumer is not keeping up",
			"kind", string(signal.Kind),
			"category", string(signal.Category),
		)
	}
}
