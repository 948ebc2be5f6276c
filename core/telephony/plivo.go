package telephony

import (
	"encoding/base64"

	"github.com/relayvoice/relay-core/core/audio"
)

// PlivoProvider speaks the Plivo audio-streams dialect. Playback uses
// playAudio frames and checkpoints instead of marks; a checkpoint is echoed
// back once everything queued before it has played.
type PlivoProvider struct {
	encoding audio.EncodingInfo
}

func NewPlivoProvider() *PlivoProvider {
	return &PlivoProvider{
		encoding: audio.EncodingInfo{SampleRate: 8000, Format: audio.EncodingMulaw},
	}
}

func (p *PlivoProvider) Name() string { return "plivo" }

func (p *PlivoProvider) EncodingInfo() audio.EncodingInfo { return p.encoding }

func (p *PlivoProvider) FormMediaMessage(streamID string, payload []byte, encoding audio.EncodingInfo) (any, error) {
	converted, err := convertPayload(payload, encoding, p.encoding)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"event":    "playAudio",
		"streamId": streamID,
		"media": map[string]any{
			"contentType": "audio/x-mulaw",
			"sampleRate":  p.encoding.SampleRate,
			"payload":     base64.StdEncoding.EncodeToString(converted),
		},
	}, nil
}

func (p *PlivoProvider) FormMarkMessage(streamID string, markID string) any {
	return map[string]any{
		"event":    "checkpoint",
		"streamId": streamID,
		"name":     markID,
	}
}

func (p *PlivoProvider) FormClearMessage(streamID string) any {
	return map[string]any{
		"event":    "clearAudio",
		"streamId": streamID,
	}
}
