package telephony

import (
	"encoding/base64"

	"github.com/relayvoice/relay-core/core/audio"
)

// ExotelProvider speaks the Exotel voicebot dialect. Exotel streams carry
// 8kHz 16-bit linear PCM, so mu-law payloads are expanded on the way out.
type ExotelProvider struct {
	encoding audio.EncodingInfo
}

func NewExotelProvider() *ExotelProvider {
	return &ExotelProvider{
		encoding: audio.EncodingInfo{SampleRate: 8000, Format: audio.EncodingLinear16},
	}
}

func (p *ExotelProvider) Name() string { return "exotel" }

func (p *ExotelProvider) EncodingInfo() audio.EncodingInfo { return p.encoding }

func (p *ExotelProvider) FormMediaMessage(streamID string, payload []byte, encoding audio.EncodingInfo) (any, error) {
	converted, err := convertPayload(payload, encoding, p.encoding)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"event":      "media",
		"stream_sid": streamID,
		"media": map[string]any{
			"payload": base64.StdEncoding.EncodeToString(converted),
		},
	}, nil
}

func (p *ExotelProvider) FormMarkMessage(streamID string, markID string) any {
	return map[string]any{
		"event":      "mark",
		"stream_sid": streamID,
		"mark": map[string]any{
			"name": markID,
		},
	}
}

func (p *ExotelProvider) FormClearMessage(streamID string) any {
	return map[string]any{
		"event":      "clear",
		"stream_sid": streamID,
	}
}
