package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"chorus/internal/config"
	"chorus/internal/expert"
)

func registerRoutes(e *echo.Echo, cfg *config.Config, svc *expert.Service) {
	e.POST("/mcp", jsonRPCHandler(cfg))
	e.POST("/sse/openai/tool/call", sseToolCallHandler(svc))
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// jsonRPCHandler answers tools/list so other brokers can discover this
// server's tool surface.
func jsonRPCHandler(cfg *config.Config) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req rpcRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]any{
				"jsonrpc": "2.0",
				"error":   map[string]any{"code": -32700, "message": "parse error"},
			})
		}
		if req.Method != "tools/list" {
			return c.JSON(http.StatusOK, map[string]any{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"error":   map[string]any{"code": -32601, "message": "method not found: " + req.Method},
			})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result": map[string]any{
				"tools": []map[string]any{
					{
						"name":        "query_expert_stream",
						"description": "Ask the expert a question and stream back the answer.",
						"inputSchema": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"question": map[string]any{"type": "string"},
							},
							"required": []string{"question"},
						},
					},
				},
			},
		})
	}
}

type toolCallRequest struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

// sseToolCallHandler streams a tool call in the family's SSE dialect: data
// events with a chunk payload, then an end event; failures become an error
// event.
func sseToolCallHandler(svc *expert.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req toolCallRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		}
		if req.ToolName != "query_expert_stream" {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown tool: " + req.ToolName})
		}
		question, _ := req.Arguments["question"].(string)
		if strings.TrimSpace(question) == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "question is required"})
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set("Cache-Control", "no-cache")
		c.Response().Header().Set("Connection", "keep-alive")
		c.Response().WriteHeader(http.StatusOK)

		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "streaming unsupported")
		}

		writeEvent := func(event string, payload any) {
			data, err := json.Marshal(payload)
			if err != nil {
				return
			}
			if event != "" {
				fmt.Fprintf(c.Response(), "event: %s\n", event)
			}
			fmt.Fprintf(c.Response(), "data: %s\n\n", data)
			flusher.Flush()
		}

		ctx := c.Request().Context()
		for chunk := range svc.AskStream(ctx, question) {
			switch chunk.Type {
			case expert.ChunkError:
				writeEvent("error", map[string]string{"message": chunk.Data})
				return nil
			case expert.ChunkToolStream:
				writeEvent("", map[string]any{
					"chunk": chunk.Data,
					"type":  "tool_stream",
					"tool":  chunk.ToolName,
				})
			default:
				writeEvent("", map[string]any{"chunk": chunk.Data})
			}
		}
		writeEvent("end", map[string]string{"status": "complete"})
		log.Debug().Str("tool", req.ToolName).Msg("sse_tool_call_complete")
		return nil
	}
}
