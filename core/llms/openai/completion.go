package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/jinzhu/copier"
	"github.com/relayvoice/relay-core/core/llms"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
)

// Generate runs a plain, non-streaming completion. Extraction and
// summarization requests go through here.
func (c *Client) Generate(
	ctx context.Context,
	messages []llms.Message,
	opts ...llms.GenerateOption,
) (llms.Response, error) {
	ctx, span := tracer.Start(ctx, "generate llm completion")
	defer span.End()

	options := llms.GenerateOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	var tools []Tool
	var toolChoice *string
	if options.Tools != nil {
		choice := "auto"
		toolChoice = &choice
		copier.Copy(&tools, options.Tools)
	}

	var format *responseFormat
	if options.JSONResponse {
		format = &responseFormat{Type: "json_object"}
	}

	reqBody := requestBody{
		Model:          c.model,
		Messages:       toMessages(messages),
		Tools:          tools,
		ToolChoice:     toolChoice,
		ResponseFormat: format,
		MaxTokens:      options.MaxTokens,
		Temperature:    options.Temperature,
		Stop:           options.Stop,
	}

	span.SetAttributes(attribute.String("request.model", c.model))

	requestBodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		err = fmt.Errorf("error marshalling JSON: %w", err)
		span.RecordError(err)
		return llms.Response{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, bytes.NewBuffer(requestBodyBytes))
	if err != nil {
		err = fmt.Errorf("error creating HTTP request: %w", err)
		span.RecordError(err)
		return llms.Response{}, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	span.SetAttributes(attribute.String("request.url", req.URL.String()))
	client := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	resp, err := client.Do(req)
	if err != nil {
		err = fmt.Errorf("error sending request: %w", err)
		span.RecordError(err)
		return llms.Response{}, err
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		if errorBody, err := io.ReadAll(resp.Body); err == nil {
			span.SetAttributes(attribute.String("response.error", string(errorBody)))
		}

		err := fmt.Errorf("non-OK HTTP status: %s", resp.Status)
		span.RecordError(err)
		return llms.Response{}, err
	}

	respBodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("error reading response body: %w", err)
		span.RecordError(err)
		return llms.Response{}, err
	}

	var responseBody completionResponseBody
	if err := json.Unmarshal(respBodyBytes, &responseBody); err != nil {
		err = fmt.Errorf("error unmarshalling response: %w", err)
		span.RecordError(err)
		return llms.Response{}, err
	}
	if len(responseBody.Choices) == 0 {
		err := fmt.Errorf("response contained no choices")
		span.RecordError(err)
		return llms.Response{}, err
	}

	choice := responseBody.Choices[0]
	response := llms.Response{Content: choice.Message.Content}
	for _, call := range choice.Message.ToolCalls {
		response.ToolCalls = append(response.ToolCalls, llms.ToolCall{
			Index:     call.Index,
			ID:        call.ID,
			Type:      call.Type,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}

	if responseBody.Usage != nil {
		span.SetAttributes(attribute.Int("usage.input", responseBody.Usage.PromptTokens))
		span.SetAttributes(attribute.Int("usage.output", responseBody.Usage.CompletionTokens))
		span.SetAttributes(attribute.Int("usage.total", responseBody.Usage.TotalTokens))
	}

	return response, nil
}
