package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jinzhu/copier"
	"github.com/relayvoice/relay-core/core/llms"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// GenerateStream prepares a streaming completion request. The request is not
// sent until the returned stream's chunks are iterated.
func (c *Client) GenerateStream(
	_ context.Context,
	messages []llms.Message,
	opts ...llms.GenerateOption,
) llms.Stream {
	options := llms.GenerateOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	var tools []Tool
	if options.Tools != nil {
		copier.Copy(&tools, options.Tools)
	}

	return &Stream{
		client:   c,
		tools:    tools,
		messages: toMessages(messages),
		options:  options,
	}
}

type Stream struct {
	client *Client

	tools    []Tool
	messages []message
	options  llms.GenerateOptions
}

func (s *Stream) Chunks(ctx context.Context) func(func(llms.StreamChunk, error) bool) {
	requestToFirstTokenTime := time.Time{}
	setRequestToFirstTokenTime := func(span trace.Span) {
		if requestToFirstTokenTime.IsZero() {
			return
		}
		span.SetAttributes(attribute.Float64("response.request_to_first_token_time", time.Since(requestToFirstTokenTime).Seconds()))
		span.AddEvent("received first chunk")
		requestToFirstTokenTime = time.Time{}
	}

	return func(yield func(llms.StreamChunk, error) bool) {
		ctx, span := tracer.Start(ctx, "generate llm stream")
		defer span.End()
		span.SetAttributes(attribute.String("request.model", s.client.model))
		var toolNames []string
		for _, tool := range s.tools {
			toolNames = append(toolNames, tool.Name)
		}
		span.SetAttributes(attribute.StringSlice("request.available_tools", toolNames))

		var toolChoice *string
		if s.tools != nil {
			choice := "auto"
			toolChoice = &choice
		}

		reqBody := requestBody{
			Model:       s.client.model,
			Messages:    s.messages,
			Stream:      true,
			Tools:       s.tools,
			ToolChoice:  toolChoice,
			MaxTokens:   s.options.MaxTokens,
			Temperature: s.options.Temperature,
			Stop:        s.options.Stop,
		}

		requestBodyBytes, err := json.Marshal(reqBody)
		if err != nil {
			err = fmt.Errorf("error marshalling JSON: %w", err)
			span.RecordError(err)
			yield(nil, err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, "POST", s.client.baseURL, bytes.NewBuffer(requestBodyBytes))
		if err != nil {
			err = fmt.Errorf("error creating HTTP request: %w", err)
			span.RecordError(err)
			yield(nil, err)
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.client.apiKey)

		span.SetAttributes(attribute.String("request.url", req.URL.String()))
		client := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return operationName + " " + request.URL.Path
			}),
		)}
		requestToFirstTokenTime = time.Now()
		span.AddEvent("request started")
		resp, err := client.Do(req)
		if err != nil {
			err = fmt.Errorf("error sending request: %w", err)
			span.RecordError(err)
			yield(nil, err)
			return
		}
		defer resp.Body.Close()

		span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
		if resp.StatusCode != http.StatusOK {
			if errorBody, err := io.ReadAll(resp.Body); err != nil {
				err = fmt.Errorf("error reading error body: %w", err)
				span.RecordError(err)
			} else {
				span.SetAttributes(attribute.String("response.error", string(errorBody)))
			}

			err := fmt.Errorf("non-OK HTTP status: %s", resp.Status)
			span.RecordError(err)
			yield(nil, err)
			return
		}

		toolCalls := []toolCall{}
		defer func() {
			toolNames := []string{}
			for _, toolCall := range toolCalls {
				toolNames = append(toolNames, toolCall.Function.Name)
			}
			span.SetAttributes(attribute.StringSlice("response.tool_calls", toolNames))
		}()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			chunk := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), chunkPrefix))
			setRequestToFirstTokenTime(span)

			if len(chunk) == 0 {
				continue
			}

			if chunk == endMessage {
				break
			}

			var responseBody streamingResponseBody
			err := json.Unmarshal([]byte(chunk), &responseBody)
			if err != nil {
				err = fmt.Errorf("error unmarshalling JSON: %w", err)
				span.RecordError(err)
				if !yield(nil, err) {
					return
				}
				continue
			}
			var finishReason *string
			if len(responseBody.Choices) > 0 {
				choice := responseBody.Choices[0]

				if choice.FinishReason != nil {
					finishReason = choice.FinishReason
				}

				if len(choice.Delta.ToolCalls) > 0 {
					toolCalls = append(toolCalls, choice.Delta.ToolCalls...)
					for _, toolCall := range choice.Delta.ToolCalls {
						if !yield(StreamToolCallChunk{
							finishReason: finishReason,
							toolCall: llms.ToolCall{
								Index:     toolCall.Index,
								ID:        toolCall.ID,
								Type:      toolCall.Type,
								Name:      toolCall.Function.Name,
								Arguments: toolCall.Function.Arguments,
							},
						}, nil) {
							return
						}
					}
				}

				if choice.Delta.Content != "" {
					if !yield(StreamContentChunk{
						finishReason: finishReason,
						content:      choice.Delta.Content,
					}, nil) {
						return
					}
				}

				if finishReason != nil && choice.Delta.Content == "" && len(choice.Delta.ToolCalls) == 0 {
					if !yield(StreamContentChunk{finishReason: finishReason}, nil) {
						return
					}
				}
			}

			if responseBody.Usage != nil {
				span.SetAttributes(attribute.Int("usage.input", responseBody.Usage.PromptTokens))
				span.SetAttributes(attribute.Int("usage.output", responseBody.Usage.CompletionTokens))
				span.SetAttributes(attribute.Int("usage.total", responseBody.Usage.TotalTokens))

				span.SetAttributes(attribute.Float64("usage.queue_time", responseBody.Usage.QueueTime))
				span.SetAttributes(attribute.Float64("usage.prompt_time", responseBody.Usage.PromptTime))
				span.SetAttributes(attribute.Float64("usage.completion_time", responseBody.Usage.CompletionTime))
				span.SetAttributes(attribute.Float64("usage.total_time", responseBody.Usage.TotalTime))

				if !yield(StreamUsageChunk{
					finishReason: finishReason,
					usage: llms.Usage{
						InputTokens:  responseBody.Usage.PromptTokens,
						OutputTokens: responseBody.Usage.CompletionTokens,
						TotalTokens:  responseBody.Usage.TotalTokens,

						QueueTime:      responseBody.Usage.QueueTime,
						PromptTime:     responseBody.Usage.PromptTime,
						CompletionTime: responseBody.Usage.CompletionTime,
						TotalTime:      responseBody.Usage.TotalTime,
					},
				}, nil) {
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			yield(nil, fmt.Errorf("error reading streamed response: %w", err))
			return
		}
	}
}

type StreamContentChunk struct {
	finishReason *string
	content      string
}

func (s StreamContentChunk) FinishReason() *string {
	return s.finishReason
}

func (s StreamContentChunk) Content() string {
	return s.content
}

type StreamToolCallChunk struct {
	finishReason *string
	toolCall     llms.ToolCall
}

func (s StreamToolCallChunk) FinishReason() *string {
	return s.finishReason
}

func (s StreamToolCallChunk) ToolCall() llms.ToolCall {
	return s.toolCall
}

type StreamUsageChunk struct {
	finishReason *string
	usage        llms.Usage
}

func (s StreamUsageChunk) FinishReason() *string {
	return s.finishReason
}

func (s StreamUsageChunk) Usage() llms.Usage {
	return s.usage
}
