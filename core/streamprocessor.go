package orchestration

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/relayvoice/relay-core/core/llms"
	"go.opentelemetry.io/otel/attribute"
)

// flushThreshold is the buffered length at which accumulated model text is
// cut at the last word boundary and handed downstream for synthesis.
const flushThreshold = 40

type FragmentKind string

const (
	FragmentText     FragmentKind = "text"
	FragmentToolCall FragmentKind = "tool_call"
	// FragmentFinal marks the end of the model response. It follows the
	// last text flush and precedes any tool invocation.
	FragmentFinal FragmentKind = "final"
)

// LatencyReport carries per-response timing measured by the processor.
type LatencyReport struct {
	FirstChunk time.Duration
	Total      time.Duration
}

// ToolInvocation is a finalized model function call, merged with the static
// call configuration registered for the function.
type ToolInvocation struct {
	Name string
	// Arguments holds the parsed call arguments. When the model emits
	// malformed JSON the raw text is wrapped instead of dropped.
	Arguments    map[string]any
	RawArguments string
	ToolCallID   string
	Call         llms.CallConfig
}

// ResponseFragment is one unit handed downstream by the stream processor.
type ResponseFragment struct {
	Kind FragmentKind
	Text string

	// Announcement marks filler text spoken while a function call runs,
	// as opposed to model-generated response text.
	Announcement bool

	ToolInvocation *ToolInvocation
	Latency        *LatencyReport
}

// StreamProcessor turns a raw model stream into speakable fragments: text is
// buffered and flushed at word boundaries, interleaved tool-call deltas are
// accumulated per call, and a pre-call announcement is injected when a
// function call with a configured announcement starts before any content
// arrived.
type StreamProcessor struct {
	tools    map[string]llms.Tool
	language string
}

func NewStreamProcessor(opts ...StreamProcessorOption) *StreamProcessor {
	processor := &StreamProcessor{
		tools:    map[string]llms.Tool{},
		language: llms.DefaultLanguage,
	}
	for _, opt := range opts {
		opt(processor)
	}
	return processor
}

type StreamProcessorOption func(*StreamProcessor)

// WithRegisteredTools makes the processor aware of the session's tool
// definitions so finalized invocations carry their call configuration and
// announcements.
func WithRegisteredTools(tools ...llms.Tool) StreamProcessorOption {
	return func(p *StreamProcessor) {
		for _, tool := range tools {
			p.tools[tool.Name] = tool
		}
	}
}

func WithProcessorLanguage(language string) StreamProcessorOption {
	return func(p *StreamProcessor) { p.language = language }
}

type toolCallAccumulator struct {
	id        string
	name      string
	arguments strings.Builder
}

type processConfig struct {
	incrementalFlush bool
}

type ProcessOption func(*processConfig)

// WithoutIncrementalFlush keeps the response in one piece instead of cutting
// it into word-bounded chunks. Used when the text will not be synthesized and
// there is no latency benefit to partial delivery.
func WithoutIncrementalFlush() ProcessOption {
	return func(c *processConfig) { c.incrementalFlush = false }
}

// Process consumes the stream and yields response fragments. The consumer may
// stop early by returning false; a cancelled context stops the underlying
// stream.
func (p *StreamProcessor) Process(ctx context.Context, stream llms.Stream, opts ...ProcessOption) func(func(ResponseFragment, error) bool) {
	config := processConfig{incrementalFlush: true}
	for _, opt := range opts {
		opt(&config)
	}

	return func(yield func(ResponseFragment, error) bool) {
		ctx, span := tracer.Start(ctx, "process response stream")
		defer span.End()

		var (
			buffer          string
			contentReceived bool
			announced       bool

			accumulators = map[int]*toolCallAccumulator{}
			order        []int

			start      = time.Now()
			firstChunk time.Duration
		)

		flush := func(all bool) (string, bool) {
			if buffer == "" {
				return "", false
			}
			if all {
				out := buffer
				buffer = ""
				return out, true
			}
			if !config.incrementalFlush {
				return "", false
			}
			if len(buffer) < flushThreshold {
				return "", false
			}
			if idx := strings.LastIndex(buffer, " "); idx > 0 {
				out := buffer[:idx]
				buffer = buffer[idx+1:]
				return out, true
			}
			// No word boundary to cut at, hand over the whole buffer.
			out := buffer
			buffer = ""
			return out, true
		}

		for chunk, err := range stream.Chunks(ctx) {
			if err != nil {
				// Hand over whatever was buffered before reporting,
				// a partial response is still worth playing.
				if out, ok := flush(true); ok {
					if !yield(ResponseFragment{Kind: FragmentText, Text: out}, nil) {
						return
					}
				}
				span.RecordError(err)
				yield(ResponseFragment{}, err)
				return
			}

			if firstChunk == 0 {
				firstChunk = time.Since(start)
			}

			switch chunk := chunk.(type) {
			case llms.StreamContentChunk:
				if chunk.Content() == "" {
					continue
				}
				contentReceived = true
				buffer += chunk.Content()
				if out, ok := flush(false); ok {
					if !yield(ResponseFragment{Kind: FragmentText, Text: out}, nil) {
						return
					}
				}

			case llms.StreamToolCallChunk:
				call := chunk.ToolCall()
				accumulator, ok := accumulators[call.Index]
				if !ok {
					accumulator = &toolCallAccumulator{}
					accumulators[call.Index] = accumulator
					order = append(order, call.Index)
				}
				if call.ID != "" {
					accumulator.id = call.ID
				}
				accumulator.name += call.Name
				accumulator.arguments.WriteString(call.Arguments)

				if !announced && !contentReceived && accumulator.name != "" {
					// Only registered functions with a configured message are
					// announced; anything else runs silently.
					announcement := ""
					if tool, ok := p.tools[accumulator.name]; ok {
						announcement = llms.PreCallAnnouncement(p.language, accumulator.name, tool.PreCallMessage)
					}
					if announcement != "" {
						announced = true
						if !yield(ResponseFragment{
							Kind:         FragmentText,
							Text:         announcement,
							Announcement: true,
						}, nil) {
							return
						}
					}
				}
			}
		}

		if out, ok := flush(true); ok {
			if !yield(ResponseFragment{Kind: FragmentText, Text: out}, nil) {
				return
			}
		}

		latency := LatencyReport{FirstChunk: firstChunk, Total: time.Since(start)}
		span.SetAttributes(
			attribute.Float64("response.first_chunk_seconds", firstChunk.Seconds()),
			attribute.Float64("response.total_seconds", latency.Total.Seconds()),
			attribute.Int("response.tool_calls", len(order)),
		)
		if !yield(ResponseFragment{Kind: FragmentFinal, Latency: &latency}, nil) {
			return
		}

		// Only the first requested call, in delta arrival order, is
		// executed per turn.
		if len(order) > 0 {
			accumulator := accumulators[order[0]]
			invocation := p.finalize(accumulator)
			if !yield(ResponseFragment{Kind: FragmentToolCall, ToolInvocation: &invocation}, nil) {
				return
			}
		}
	}
}

func (p *StreamProcessor) finalize(accumulator *toolCallAccumulator) ToolInvocation {
	raw := accumulator.arguments.String()
	invocation := ToolInvocation{
		Name:         accumulator.name,
		RawArguments: raw,
		ToolCallID:   accumulator.id,
	}

	arguments := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &arguments); err != nil {
		logger.Warn("tool call arguments are not valid JSON, wrapping raw text",
			"tool", accumulator.name,
		)
		arguments = map[string]any{"raw_arguments": raw}
	}
	invocation.Arguments = arguments

	if tool, ok := p.tools[accumulator.name]; ok {
		invocation.Call = tool.Call
	}
	return invocation
}
