package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

const (
	analysesPath = "/v1/analyses"

	// Report fragments can carry whole source sections.
	maxLineBytes = 1 << 20
)

// HTTPClientConfig configures the remote engine client.
type HTTPClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPClient talks to the analysis engine over HTTP. The engine answers a
// dispatch with a long-lived response whose body is a JSON-lines stream of
// events.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPClient wires an engine client.
func NewHTTPClient(config HTTPClientConfig) (*HTTPClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("%w: base url missing", ErrDispatchFailed)
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		// No overall timeout: the response body deliberately stays open
		// for the whole analysis.
		httpClient = &http.Client{}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{baseURL: config.BaseURL, httpClient: httpClient, logger: logger}, nil
}

type dispatchRequest struct {
	SessionID string `json:"session_id"`
	Language  string `json:"language"`
	Code      string `json:"code"`
}

type wireEvent struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Report  string `json:"report,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Dispatch submits the code and returns a stream backed by the response
// body. A non-2xx answer means the engine rejected the submission before
// producing anything.
func (client *HTTPClient) Dispatch(ctx context.Context, submission Submission) (Stream, error) {
	body, err := json.Marshal(dispatchRequest{
		SessionID: submission.SessionID,
		Language:  submission.Language,
		Code:      submission.Code,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+analysesPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "application/x-ndjson")

	httpResponse, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 512))
		_ = httpResponse.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrDispatchFailed, httpResponse.StatusCode, snippet)
	}

	stream := &httpStream{
		body:   httpResponse.Body,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	go stream.consume(client.logger.With(zap.String("session_id", submission.SessionID)))
	return stream, nil
}

type httpStream struct {
	body      io.ReadCloser
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func (stream *httpStream) Events() <-chan Event {
	return stream.events
}

// Close releases the consumer even when nobody drains the events channel.
func (stream *httpStream) Close() error {
	stream.closeOnce.Do(func() { close(stream.done) })
	return stream.body.Close()
}

// deliver sends one event unless the stream was closed. A false return
// tells the consumer to stop.
func (stream *httpStream) deliver(event Event) bool {
	select {
	case stream.events <- event:
		return true
	case <-stream.done:
		return false
	}
}

func (stream *httpStream) consume(logger *zap.Logger) {
	defer close(stream.events)
	scanner := bufio.NewScanner(stream.body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var wire wireEvent
		if err := json.Unmarshal(line, &wire); err != nil {
			logger.Warn("engine stream produced malformed event", zap.Error(err))
			stream.deliver(Event{Kind: EventFailed, Reason: "malformed engine event"})
			return
		}
		switch wire.Type {
		case "fragment":
			if !stream.deliver(Event{Kind: EventFragment, Content: wire.Content}) {
				return
			}
		case "completed":
			stream.deliver(Event{Kind: EventCompleted, Report: wire.Report})
			return
		case "failed":
			stream.deliver(Event{Kind: EventFailed, Reason: wire.Reason})
			return
		default:
			logger.Warn("engine stream produced unknown event type", zap.String("type", wire.Type))
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("engine stream read error", zap.Error(err))
		stream.deliver(Event{Kind: EventFailed, Reason: "engine connection lost"})
		return
	}
	// Body ended without a terminal event.
	stream.deliver(Event{Kind: EventFailed, Reason: "engine stream ended early"})
}

// NewTestStream builds a Stream from a fixed event sequence. Used by
// in-process fakes.
func NewTestStream(events ...Event) Stream {
	channel := make(chan Event, len(events))
	for _, event := range events {
		channel <- event
	}
	close(channel)
	return &staticStream{events: channel}
}

type staticStream struct {
	events chan Event
}

func (stream *staticStream) Events() <-chan Event { return stream.events }
func (stream *staticStream) Close() error         { return nil }
