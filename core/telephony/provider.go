// Package telephony shapes conversation output for the websocket dialects of
// the supported call providers and delivers it bracketed by playback marks.
package telephony

import (
	"encoding/base64"
	"fmt"

	"github.com/relayvoice/relay-core/core/audio"
)

// Provider translates outbound audio, marks and interruption requests into
// the wire format a telephony stream expects. FormMediaMessage re-encodes the
// payload when its encoding differs from the provider's native one.
type Provider interface {
	Name() string
	EncodingInfo() audio.EncodingInfo
	FormMediaMessage(streamID string, payload []byte, encoding audio.EncodingInfo) (any, error)
	FormMarkMessage(streamID string, markID string) any
	FormClearMessage(streamID string) any
}

// TextMessenger is implemented by providers that can carry text frames next
// to audio. Telephony dialects cannot; the default websocket provider can.
type TextMessenger interface {
	FormTextMessage(data string) any
}

// convertPayload re-encodes audio between mu-law and 16-bit linear PCM when
// the source and target formats differ.
func convertPayload(payload []byte, from, to audio.EncodingInfo) ([]byte, error) {
	if from.Format == to.Format {
		return payload, nil
	}

	switch {
	case from.Format == audio.EncodingLinear16 && to.Format == audio.EncodingMulaw:
		return audio.EncodeMulaw(payload), nil
	case from.Format == audio.EncodingMulaw && to.Format == audio.EncodingLinear16:
		return audio.DecodeMulaw(payload), nil
	}
	return nil, fmt.Errorf("unsupported audio conversion: %s to %s", from.Format, to.Format)
}

// DefaultProvider speaks the plain websocket format used by browser and
// text-only sessions. It carries both audio and text frames and does not
// re-encode audio.
type DefaultProvider struct {
	encoding audio.EncodingInfo
}

func NewDefaultProvider(opts ...DefaultProviderOption) *DefaultProvider {
	provider := &DefaultProvider{encoding: audio.GetDefaultEncodingInfo()}
	for _, opt := range opts {
		opt(provider)
	}
	return provider
}

type DefaultProviderOption func(*DefaultProvider)

func WithEncodingInfo(encoding audio.EncodingInfo) DefaultProviderOption {
	return func(p *DefaultProvider) { p.encoding = encoding }
}

func (p *DefaultProvider) Name() string { return "default" }

func (p *DefaultProvider) EncodingInfo() audio.EncodingInfo { return p.encoding }

func (p *DefaultProvider) FormMediaMessage(_ string, payload []byte, _ audio.EncodingInfo) (any, error) {
	return map[string]any{
		"type": "audio",
		"data": base64.StdEncoding.EncodeToString(payload),
	}, nil
}

func (p *DefaultProvider) FormTextMessage(data string) any {
	return map[string]any{
		"type": "text",
		"data": data,
	}
}

func (p *DefaultProvider) FormMarkMessage(_ string, markID string) any {
	return map[string]any{
		"type": "mark",
		"name": markID,
	}
}

func (p *DefaultProvider) FormClearMessage(_ string) any {
	return map[string]any{"type": "clear"}
}
