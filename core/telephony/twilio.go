package telephony

import (
	"encoding/base64"

	"github.com/relayvoice/relay-core/core/audio"
)

// TwilioProvider speaks the Twilio media-streams dialect. Twilio streams
// carry 8kHz mu-law audio, so linear PCM payloads are companded on the way
// out.
type TwilioProvider struct {
	encoding audio.EncodingInfo
}

func NewTwilioProvider() *TwilioProvider {
	return &TwilioProvider{
		encoding: audio.EncodingInfo{SampleRate: 8000, Format: audio.EncodingMulaw},
	}
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) EncodingInfo() audio.EncodingInfo { return p.encoding }

func (p *TwilioProvider) FormMediaMessage(streamID string, payload []byte, encoding audio.EncodingInfo) (any, error) {
	converted, err := convertPayload(payload, encoding, p.encoding)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"event":     "media",
		"streamSid": streamID,
		"media": map[string]any{
			"payload": base64.StdEncoding.EncodeToString(converted),
		},
	}, nil
}

func (p *TwilioProvider) FormMarkMessage(streamID string, markID string) any {
	return map[string]any{
		"event":     "mark",
		"streamSid": streamID,
		"mark": map[string]any{
			"name": markID,
		},
	}
}

func (p *TwilioProvider) FormClearMessage(streamID string) any {
	return map[string]any{
		"event":     "clear",
		"streamSid": streamID,
	}
}
