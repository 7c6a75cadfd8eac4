package broker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// sseEndpoint derives the streaming tool-call endpoint from a server's MCP
// URL by rewriting the /mcp suffix.
func sseEndpoint(serverURL string) string {
	switch {
	case strings.HasSuffix(serverURL, "/mcp"):
		return strings.TrimSuffix(serverURL, "/mcp") + "/sse/openai/tool/call"
	case strings.Contains(serverURL, "/mcp"):
		return strings.Replace(serverURL, "/mcp", "/sse/openai/tool/call", 1)
	default:
		return strings.TrimRight(serverURL, "/") + "/sse/openai/tool/call"
	}
}

// invokeSSE POSTs the call to the downstream's SSE endpoint and forwards the
// extracted text of every data event to emit. An "end" event terminates the
// stream cleanly; an "error" event fails the call with the remote message.
func (b *Broker) invokeSSE(ctx context.Context, d *Descriptor, args map[string]any, emit func(string)) error {
	endpoint := sseEndpoint(d.ServerURL)

	body, err := json.Marshal(map[string]any{
		"tool_name": d.OriginalName,
		"arguments": args,
	})
	if err != nil {
		return fmt.Errorf("marshal tool call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sse request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("expected SSE response but got %s: %s", ct, strings.TrimSpace(string(msg)))
	}

	return parseSSEStream(resp.Body, d.OriginalName, emit)
}

// parseSSEStream consumes blank-line framed events from r until EOF or an
// end/error event.
func parseSSEStream(r io.Reader, toolName string, emit func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	var data string
	inEvent := false

	flush := func() (done bool, err error) {
		if !inEvent {
			return false, nil
		}
		defer func() { eventType, data, inEvent = "", "", false }()

		switch eventType {
		case "error":
			msg := data
			var parsed map[string]any
			if json.Unmarshal([]byte(data), &parsed) == nil {
				if m, ok := parsed["message"].(string); ok {
					msg = m
				}
			}
			return true, fmt.Errorf("remote SSE error: %s", msg)
		case "end":
			return true, nil
		case "", "data":
			if data == "" {
				return false, nil
			}
			if content, ok := extractSSEContent(data); ok {
				emit(content)
			}
			return false, nil
		default:
			log.Debug().Str("event", eventType).Msg("ignoring_unknown_sse_event")
			return false, nil
		}
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			if done, err := flush(); done {
				return err
			}
			continue
		}
		inEvent = true
		if v, ok := strings.CutPrefix(line, "event:"); ok {
			eventType = strings.TrimSpace(v)
		} else if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimSpace(v)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read SSE stream: %w", err)
	}
	// A non-terminated trailing event is logged and dropped.
	if inEvent {
		log.Warn().Str("tool", toolName).Str("buffer", data).Msg("unterminated_sse_event_dropped")
	}
	return nil
}

// extractSSEContent pulls displayable text out of one data payload. Field
// preference: chunk, display (with trailing newline), content, the same trio
// nested under data, then OpenAI-style delta fields. Control payloads yield
// nothing; non-JSON payloads are forwarded verbatim.
func extractSSEContent(payload string) (string, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(payload), &obj); err != nil {
		return payload, true
	}

	if t, _ := obj["type"].(string); t == "structure_start" || t == "structure_complete" {
		return "", false
	}

	if v, ok := obj["chunk"]; ok {
		return chunkToString(v), true
	}
	if v, ok := obj["display"]; ok {
		return chunkToString(v) + "\n", true
	}
	if v, ok := obj["content"]; ok {
		return chunkToString(v), true
	}
	if nested, ok := obj["data"].(map[string]any); ok {
		if v, ok := nested["chunk"]; ok {
			return chunkToString(v), true
		}
		if v, ok := nested["display"]; ok {
			return chunkToString(v) + "\n", true
		}
		if v, ok := nested["content"]; ok {
			return chunkToString(v), true
		}
	}
	if choices, ok := obj["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if delta, ok := choice["delta"].(map[string]any); ok {
				if c, ok := delta["content"].(string); ok && c != "" {
					return c, true
				}
				if fc, ok := delta["function_call"].(map[string]any); ok {
					if args, ok := fc["arguments"].(string); ok && args != "" {
						return args, true
					}
				}
			}
		}
	}
	return "", false
}
