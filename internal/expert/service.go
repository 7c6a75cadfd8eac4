package expert

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chorus/internal/broker"
	"chorus/internal/config"
	"chorus/internal/history"
	"chorus/internal/llm"
)

const defaultSystemPrompt = "You are an expert assistant. Answer precisely and use the available tools when they help."

// Service assembles the expert-stream pipeline: history, broker, driver and
// summarizer, bound to one process-lifetime conversation id.
type Service struct {
	cfg        *config.Config
	llmc       llm.Streamer
	broker     *broker.Broker
	history    *history.Store
	summarizer *Summarizer

	conversationID string
}

// NewService wires the pipeline from configuration.
func NewService(cfg *config.Config) *Service {
	client := llm.NewClient(cfg.Completions.APIKey, cfg.Completions.BaseURL)
	b := broker.New(cfg.Servers, cfg.StdioServers, cfg.Role)
	store := history.New(cfg.History.BackendURI, cfg.History.FilePath, cfg.History.Limit, cfg.History.Enabled)
	summarizer := NewSummarizer(client, cfg.Completions.ModelName, 0.3, cfg.Completions.MaxTokens,
		cfg.SummaryInstruction, cfg.SummaryRequest)

	svc := &Service{
		cfg:            cfg,
		llmc:           client,
		broker:         b,
		history:        store,
		summarizer:     summarizer,
		conversationID: "expert_conv_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
	}
	log.Info().
		Str("conversation_id", svc.conversationID).
		Str("model", cfg.Completions.ModelName).
		Int("summary_interval", cfg.SummaryInterval).
		Int("max_rounds", cfg.MaxRounds).
		Msg("expert_service_initialized")
	return svc
}

// Init discovers downstream tools. Skipped in testing mode and when no
// downstreams are configured.
func (s *Service) Init(ctx context.Context) error {
	if os.Getenv("TESTING_MODE") == "true" ||
		(len(s.cfg.Servers) == 0 && len(s.cfg.StdioServers) == 0) {
		log.Info().Msg("skipping_tool_discovery")
		return nil
	}
	return s.broker.Init(ctx)
}

// Shutdown releases the broker's subprocesses and the history backend.
func (s *Service) Shutdown(ctx context.Context) {
	s.broker.Close()
	s.history.Close(ctx)
	log.Info().Msg("expert_service_shut_down")
}

// ConversationID returns the fixed conversation id of this service instance.
func (s *Service) ConversationID() string { return s.conversationID }

// AskStream answers a question as a stream of chunks. Prior history is
// summarized into the system prompt; the user question, tool activity and
// the final assistant reply are persisted.
func (s *Service) AskStream(ctx context.Context, question string) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)

		systemPrompt := s.cfg.SystemPrompt
		if systemPrompt == "" {
			systemPrompt = defaultSystemPrompt
		}

		if s.cfg.History.Enabled {
			records := s.history.Get(ctx, s.conversationID, s.cfg.History.Limit)
			log.Info().Int("records", len(records)).Msg("history_loaded")
			if summary := s.summarizeHistory(ctx, records); summary != "" {
				systemPrompt += "\n\n[Conversation history summary]\n" + summary
			}
			s.history.Save(ctx, s.conversationID, "user", question, nil)
		}

		initial := []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: question},
		}

		request := llm.Request{
			Model:       s.cfg.Completions.ModelName,
			Temperature: s.cfg.Completions.Temperature,
			MaxTokens:   s.cfg.Completions.MaxTokens,
		}
		limits := Limits{
			MaxRounds:              s.cfg.MaxRounds,
			SummaryInterval:        s.cfg.SummaryInterval,
			SummaryLengthThreshold: s.cfg.SummaryLengthThreshold,
		}

		hooks := Hooks{}
		if s.cfg.History.Enabled {
			hooks.OnToolCalls = func(calls []llm.ToolCall) {
				for _, call := range calls {
					s.history.Save(ctx, s.conversationID, "assistant",
						fmt.Sprintf("Tool call: %s\nArguments: %s", call.Name, call.Arguments),
						map[string]string{"type": "tool_call", "tool_call_id": call.ID})
				}
			}
			hooks.OnToolResult = func(msg llm.Message) {
				s.history.Save(ctx, s.conversationID, "tool",
					fmt.Sprintf("Tool %s result:\n%s", msg.Name, msg.Content),
					map[string]string{"type": "tool_result", "tool_call_id": msg.ToolCallID})
			}
		}

		driver := NewDriver(s.llmc, s.broker, s.summarizer, initial, request, limits, s.conversationID, hooks)

		var assistantContent strings.Builder
		for chunk := range driver.Run(ctx) {
			if chunk.Type == ChunkContent {
				assistantContent.WriteString(chunk.Data)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				driver.Abort()
				return
			}
		}

		if s.cfg.History.Enabled && strings.TrimSpace(assistantContent.String()) != "" {
			s.history.Save(ctx, s.conversationID, "assistant", strings.TrimSpace(assistantContent.String()), nil)
		}
	}()
	return out
}

// summarizeHistory compresses stored history into a short paragraph for the
// system prompt. Failures degrade to no summary.
func (s *Service) summarizeHistory(ctx context.Context, records []history.Record) string {
	if len(records) == 0 {
		return ""
	}

	var b strings.Builder
	for _, rec := range records {
		role := rec.Role
		if t, ok := rec.Metadata["type"]; ok && t == "tool_call" {
			role = "assistant (tool call)"
		} else if rec.Role == "tool" {
			role = "tool result"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, rec.Content)
	}

	msg, err := s.llmc.ChatStream(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "You summarize conversations. Condense the following history into " +
				"its main points and context, focusing on the user's needs and the key information discussed. " +
				"Stay under 200 words."},
			{Role: "user", Content: "Summarize this conversation history:\n\n" + b.String()},
		},
		Model:       s.cfg.Completions.ModelName,
		Temperature: 0.3,
		MaxTokens:   s.cfg.Completions.MaxTokens,
	}, nil)
	if err != nil {
		log.Warn().Err(err).Msg("history_summary_failed")
		return ""
	}
	return strings.TrimSpace(msg.Content)
}
