package expert

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"chorus/internal/llm"
)

const defaultSummaryInstruction = "Summarize the conversation and tool results so far. Cover: " +
	"the user's goal, the tool calls already made and what they returned, the key findings, " +
	"and the next actions. Keep it short and concrete so the task can continue from it."

const defaultSummaryRequest = "Produce the summary of the conversation and tool results above."

// Summarizer compresses a transcript with a non-tooling sub-completion. It
// shares the driver's streaming chat-completion client.
type Summarizer struct {
	llmc        llm.Streamer
	model       string
	temperature float64
	maxTokens   int
	instruction string
	request     string
}

// NewSummarizer builds a Summarizer. Empty instruction and request strings
// fall back to the defaults.
func NewSummarizer(llmc llm.Streamer, model string, temperature float64, maxTokens int, instruction, request string) *Summarizer {
	if instruction == "" {
		instruction = defaultSummaryInstruction
	}
	if request == "" {
		request = defaultSummaryRequest
	}
	return &Summarizer{
		llmc:        llmc,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		instruction: instruction,
		request:     request,
	}
}

// Summarize produces the replacement transcript
// [system?, first user?, assistant(summary)], emitting progress chunks along
// the way. A failed or empty summary returns nil and the caller keeps the
// original transcript.
func (s *Summarizer) Summarize(ctx context.Context, messages []llm.Message, conversationID string, emit func(Chunk)) []llm.Message {
	if len(messages) == 0 {
		return nil
	}
	log.Info().Int("messages", len(messages)).Str("conversation_id", conversationID).Msg("summary_started")

	emit(Chunk{Type: ChunkContent, Data: "\n\n**Generating a progress summary...**\n\n"})

	var systemMsg *llm.Message
	for i := range messages {
		if messages[i].Role == "system" {
			systemMsg = &messages[i]
			break
		}
	}

	sub := make([]llm.Message, 0, len(messages)+3)
	if systemMsg != nil {
		sub = append(sub, *systemMsg)
	}
	sub = append(sub, llm.Message{Role: "system", Content: s.instruction})
	for _, m := range messages {
		if m.Role != "system" {
			sub = append(sub, m)
		}
	}
	sub = append(sub, llm.Message{Role: "user", Content: s.request})

	msg, err := s.llmc.ChatStream(ctx, llm.Request{
		Messages:    sub,
		Model:       s.model,
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
	}, nil)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", conversationID).Msg("summary_failed")
		return nil
	}
	summary := strings.TrimSpace(msg.Content)
	if summary == "" {
		log.Warn().Str("conversation_id", conversationID).Msg("summary_empty_keeping_transcript")
		return nil
	}

	emit(Chunk{Type: ChunkContent, Data: "\n\n**Summary complete, continuing...**\n\n---\n\n"})

	replacement := make([]llm.Message, 0, 3)
	if systemMsg != nil {
		replacement = append(replacement, *systemMsg)
	}
	for _, m := range messages {
		if m.Role == "user" {
			replacement = append(replacement, m)
			break
		}
	}
	replacement = append(replacement, llm.Message{
		Role: "assistant",
		Content: fmt.Sprintf("Here is a summary of the progress so far:\n\n%s\n\nI will continue the remaining work based on this summary.",
			summary),
	})

	log.Info().Int("replacement_messages", len(replacement)).Msg("summary_done")
	return replacement
}
