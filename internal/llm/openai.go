package llm

import (
	"context"
	"net"
	"net/http"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rs/zerolog/log"
)

// Client is the openai-go backed Streamer used by the driver and the
// summarizer. One Client is shared per process; requests carry their own
// cancellation contexts.
type Client struct {
	sdk sdk.Client
}

// NewClient builds a Client against the configured endpoint. Connect and
// total socket timeouts are set once here.
func NewClient(apiKey, baseURL string) *Client {
	httpClient := &http.Client{
		Timeout: 120 * time.Second,
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			ResponseHeaderTimeout: 10 * time.Second,
		},
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{sdk: sdk.NewClient(opts...)}
}

// ChatStream issues one streaming chat completion. Content deltas are handed
// to onDelta as they arrive; tool-call deltas are reassembled by index and
// returned on the final assistant message.
func (c *Client) ChatStream(ctx context.Context, req Request, onDelta func(string)) (Message, error) {
	params := sdk.ChatCompletionNewParams{
		Model:       sdk.ChatModel(req.Model),
		Messages:    adaptMessages(req.Messages),
		Temperature: sdk.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		params.Tools = adaptSchemas(req.Tools)
	}

	stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var content string
	var acc Accumulator

	for stream.Next() {
		if err := ctx.Err(); err != nil {
			break
		}
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content += delta.Content
			if onDelta != nil {
				onDelta(delta.Content)
			}
		}
		// Accumulate by the API-provided index, not the slice position:
		// a chunk may carry only a subset of the in-flight calls.
		for _, tc := range delta.ToolCalls {
			acc.Add(int(tc.Index), tc.ID, tc.Function.Name, tc.Function.Arguments)
		}
		if chunk.Choices[0].FinishReason != "" {
			break
		}
	}
	if err := stream.Err(); err != nil {
		log.Error().Err(err).Str("model", req.Model).Msg("chat_stream_error")
		return Message{}, err
	}

	msg := Message{Role: "assistant", Content: content, ToolCalls: acc.Calls()}
	log.Debug().
		Str("model", req.Model).
		Int("content_len", len(content)).
		Int("tool_calls", len(msg.ToolCalls)).
		Msg("chat_stream_done")
	return msg, nil
}

func adaptMessages(msgs []Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "user":
			out = append(out, sdk.UserMessage(m.Content))
		case "assistant":
			if len(m.ToolCalls) == 0 {
				out = append(out, sdk.AssistantMessage(m.Content))
				continue
			}
			var asst sdk.ChatCompletionAssistantMessageParam
			asst.Content.OfString = sdk.String(m.Content)
			for _, tc := range m.ToolCalls {
				fn := sdk.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				}
				asst.ToolCalls = append(asst.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{OfFunction: &fn})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case "tool":
			out = append(out, sdk.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}

func adaptSchemas(schemas []ToolSchema) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		def := sdk.FunctionDefinitionParam{
			Name:        s.Name,
			Description: sdk.String(s.Description),
			Parameters:  s.Parameters,
		}
		out = append(out, sdk.ChatCompletionFunctionTool(def))
	}
	return out
}
