package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/kyoron2/API-Middleware-Context-Control-system/proxy/config"
)

// ChunkEvent is one upstream SSE payload. Raw holds the upstream JSON bytes
// untouched so every delta field, known or unknown, survives the trip
// bit-for-bit. A non-nil Err is terminal; the channel closes after it.
type ChunkEvent struct {
	Raw []byte
	Err error
}

// streamScanBufferSize bounds a single SSE line. Upstream chunks are small,
// but tool-call arguments inside deltas can get long.
const streamScanBufferSize = 1024 * 1024

// StreamDispatch performs a streaming chat completion. It returns an error
// for failures that happen before the stream starts (bad status, network);
// afterwards events arrive on the channel until [DONE], upstream close,
// cancellation, or error.
func (rt *Router) StreamDispatch(ctx context.Context, provider config.Provider, actualModel string, body []byte) (<-chan ChunkEvent, error) {
	body, err := sjson.SetBytes(body, "model", actualModel)
	if err != nil {
		return nil, fmt.Errorf("rewrite model field: %w", err)
	}
	body, err = sjson.SetBytes(body, "stream", true)
	if err != nil {
		return nil, fmt.Errorf("set stream flag: %w", err)
	}

	req, err := rt.newUpstreamRequest(ctx, provider, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The pooled client's timeout would kill long generations mid-stream;
	// streaming relies on ctx for cancellation instead.
	client := *rt.client(provider)
	client.Timeout = 0

	resp, err := client.Do(req)
	if err != nil {
		return nil, &TimeoutError{Provider: provider.Name, Err: err}
	}

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &ProviderError{
			Provider:   provider.Name,
			StatusCode: resp.StatusCode,
			Detail:     truncateForLog(strings.TrimSpace(string(respBody)), 512),
		}
	}

	events := make(chan ChunkEvent)
	go rt.readStream(ctx, provider, resp.Body, events)
	return events, nil
}

// readStream parses the upstream body as line-oriented SSE and posts one
// event per data payload. It owns closing the body and the channel.
func (rt *Router) readStream(ctx context.Context, provider config.Provider, upstream io.ReadCloser, events chan<- ChunkEvent) {
	defer close(events)
	defer upstream.Close()

	emit := func(ev ChunkEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 64*1024), streamScanBufferSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return
		}
		if !gjson.Valid(payload) {
			emit(ChunkEvent{Err: &ProviderError{
				Provider:   provider.Name,
				StatusCode: 0,
				Detail:     "invalid_response",
			}})
			return
		}
		if !emit(ChunkEvent{Raw: []byte(payload)}) {
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		emit(ChunkEvent{Err: &TimeoutError{Provider: provider.Name, Err: err}})
	}
}

// StreamAccumulator collects the answer and reasoning channels of a chunk
// sequence while the raw frames pass through to the client.
type StreamAccumulator struct {
	content      strings.Builder
	reasoning    strings.Builder
	finishReason string
	chunks       int
}

// Add folds one upstream chunk into the running accumulation.
func (a *StreamAccumulator) Add(raw []byte) {
	a.chunks++
	delta := gjson.GetBytes(raw, "choices.0.delta")
	if !delta.Exists() {
		return
	}
	if v := delta.Get("content"); v.Type == gjson.String {
		a.content.WriteString(v.String())
	}
	if v := delta.Get("reasoning_content"); v.Type == gjson.String {
		a.reasoning.WriteString(v.String())
	}
	if v := delta.Get("thinking"); v.Type == gjson.String {
		a.reasoning.WriteString(v.String())
	}
	if v := gjson.GetBytes(raw, "choices.0.finish_reason"); v.Type == gjson.String {
		a.finishReason = v.String()
	}
}

func (a *StreamAccumulator) Content() string      { return a.content.String() }
func (a *StreamAccumulator) Reasoning() string    { return a.reasoning.String() }
func (a *StreamAccumulator) FinishReason() string { return a.finishReason }
func (a *StreamAccumulator) Chunks() int          { return a.chunks }
