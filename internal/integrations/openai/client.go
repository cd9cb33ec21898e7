package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chat-relay/internal/domain"
)

const defaultBaseURL = "https://api.openai.com/v1"

// APIMode selects which streaming endpoint the client talks to.
type APIMode string

const (
	ModeResponses APIMode = "responses"
	ModeChat      APIMode = "chat"
)

// ParseAPIMode accepts the values used in configuration.
func ParseAPIMode(s string) (APIMode, error) {
	switch APIMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeResponses:
		return ModeResponses, nil
	case ModeChat, "chat_completions":
		return ModeChat, nil
	default:
		return "", fmt.Errorf("openai: unknown api mode %q", s)
	}
}

// responsesRequest is the minimal streaming request for the Responses endpoint.
type responsesRequest struct {
	Model  string               `json:"model"`
	Input  []domain.ChatMessage `json:"input"`
	Stream bool                 `json:"stream"`
}

// chatRequest is the minimal streaming request for the Chat Completions endpoint.
type chatRequest struct {
	Model    string               `json:"model"`
	Messages []domain.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// StreamError is an error event sent by the provider in the middle of a stream.
type StreamError struct {
	Code    string
	Message string
}

func (e *StreamError) Error() string {
	if e.Code == "" {
		return "openai: stream error: " + e.Message
	}
	return fmt.Sprintf("openai: stream error (%s): %s", e.Code, e.Message)
}

var errStreamConsumed = errors.New("openai: stream already consumed")

// Client is a focused OpenAI-compatible client for streaming completions.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	mode       APIMode
	tracer     trace.Tracer
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithAPIMode(mode APIMode) Option {
	return func(c *Client) {
		c.mode = mode
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		c.tracer = tracer
	}
}

// NewClient creates a Client authenticated with apiKey. The key is a plain
// value; resolving it from the environment or SSM is the caller's job.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
		apiKey:     apiKey,
		mode:       ModeResponses,
		tracer:     otel.Tracer("chat-relay/openai"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.mode != ModeResponses && c.mode != ModeChat {
		return nil, fmt.Errorf("openai: unknown api mode %q", c.mode)
	}
	return c, nil
}

// resolvedHTTPClient returns the configured HTTP client, or a default one if
// none was set. No overall timeout: streams may legitimately run for minutes.
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{}
}

func endpointURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + path
	}
	return base + "/v1" + path
}

func (c *Client) streamURL() string {
	if c.mode == ModeChat {
		return endpointURL(c.baseURL, "/chat/completions")
	}
	return endpointURL(c.baseURL, "/responses")
}

func (c *Client) requestBody(model string, messages []domain.ChatMessage) any {
	if c.mode == ModeChat {
		return chatRequest{Model: model, Messages: messages, Stream: true}
	}
	return responsesRequest{Model: model, Input: messages, Stream: true}
}

// Stream returns a lazy sequence of provider chunks. The upstream request is
// only sent once iteration starts, and the sequence can be ranged over once.
//
// A non-nil error is yielded at most once and ends the sequence: it covers
// connection failures, non-2xx replies, read errors and provider error events.
// The response body is closed when iteration ends, including when the caller
// breaks out of the loop.
func (c *Client) Stream(ctx context.Context, model string, messages []domain.ChatMessage) iter.Seq2[domain.Chunk, error] {
	var started atomic.Bool
	return func(yield func(domain.Chunk, error) bool) {
		if !started.CompareAndSwap(false, true) {
			yield(domain.Chunk{}, errStreamConsumed)
			return
		}

		ctx, span := c.tracer.Start(ctx, "openai.stream", trace.WithAttributes(
			attribute.String("llm.model", model),
			attribute.String("llm.api_mode", string(c.mode)),
			attribute.Int("llm.messages", len(messages)),
		))
		defer span.End()

		fail := func(err error) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			yield(domain.Chunk{}, err)
		}

		res, err := c.open(ctx, model, messages)
		if err != nil {
			fail(err)
			return
		}
		defer func() { _ = res.Body.Close() }()

		scanner := newEventScanner(res.Body)
		chunks := 0
		for {
			ev, err := scanner.Next()
			if errors.Is(err, io.EOF) {
				span.SetAttributes(attribute.Int("llm.chunks", chunks))
				return
			}
			if err != nil {
				fail(fmt.Errorf("openai: read stream: %w", err))
				return
			}
			if streamErr := providerError(ev); streamErr != nil {
				fail(streamErr)
				return
			}
			chunks++
			if !yield(domain.Chunk{Event: ev.Event, Data: ev.Data}, nil) {
				return
			}
		}
	}
}

func (c *Client) open(ctx context.Context, model string, messages []domain.ChatMessage) (*http.Response, error) {
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}

	body, err := json.Marshal(c.requestBody(model, messages))
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	url := c.streamURL()

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return nil, fmt.Errorf("openai: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, fmt.Errorf("openai: request failed: %w", doErr)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer func() { _ = res.Body.Close() }()
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}
	return res, nil
}

// errorEnvelope covers the error shapes of both endpoints:
// {"type":"error","code":..,"message":..}, {"type":"response.failed","response":{"error":{..}}}
// and {"error":{"message":..,"code":..}}.
type errorEnvelope struct {
	Type     string          `json:"type"`
	Code     json.RawMessage `json:"code"`
	Message  string          `json:"message"`
	Error    *errorDetail    `json:"error"`
	Response *struct {
		Error *errorDetail `json:"error"`
	} `json:"response"`
}

type errorDetail struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

// providerError reports whether ev is an error event sent by the provider.
// Payloads that are not valid JSON are passed through as ordinary chunks.
func providerError(ev sseEvent) *StreamError {
	var env errorEnvelope
	if err := json.Unmarshal(ev.Data, &env); err != nil {
		return nil
	}
	switch {
	case ev.Event == "error" || env.Type == "error":
		if env.Error != nil {
			return &StreamError{Code: rawCode(env.Error.Code), Message: env.Error.Message}
		}
		return &StreamError{Code: rawCode(env.Code), Message: env.Message}
	case env.Type == "response.failed":
		if env.Response != nil && env.Response.Error != nil {
			return &StreamError{Code: rawCode(env.Response.Error.Code), Message: env.Response.Error.Message}
		}
		return &StreamError{Message: "response failed"}
	case env.Type == "" && env.Error != nil:
		return &StreamError{Code: rawCode(env.Error.Code), Message: env.Error.Message}
	}
	return nil
}

func rawCode(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
