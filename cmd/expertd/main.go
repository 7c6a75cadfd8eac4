// expertd is the expert-stream MCP server: it answers questions by driving
// an LLM conversation over the tools of its configured downstream MCP
// servers. The tool surface is exposed over stdio MCP and, optionally, over
// HTTP (JSON-RPC discovery + SSE streaming) so instances can chain.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	mcppkg "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chorus/internal/config"
	"chorus/internal/expert"
	"chorus/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	httpAddr := flag.Bool("http", false, "also serve the HTTP surface (JSON-RPC + SSE)")
	flag.Parse()

	setupLogging()
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config_load_failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTel)
	if err != nil {
		log.Fatal().Err(err).Msg("telemetry_setup_failed")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn().Err(err).Msg("telemetry_shutdown_warning")
		}
	}()

	svc := expert.NewService(cfg)
	if err := svc.Init(ctx); err != nil {
		log.Warn().Err(err).Msg("tool_discovery_incomplete")
	}
	defer svc.Shutdown(context.Background())

	if *httpAddr {
		go serveHTTP(ctx, cfg, svc)
	}

	if err := serveMCP(ctx, cfg, svc); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("mcp_server_error")
	}
	log.Info().Msg("expertd_stopped")
}

func setupLogging() {
	level := zerolog.InfoLevel
	if s := os.Getenv("LOG_LEVEL"); s != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(s)); err == nil {
			level = parsed
		}
	}
	// stdout carries the MCP stdio protocol; logs go to stderr.
	log.Logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

type queryArgs struct {
	Question string `json:"question" jsonschema:"the question for the expert"`
}

// serveMCP runs the stdio MCP server exposing query_expert_stream.
func serveMCP(ctx context.Context, cfg *config.Config, svc *expert.Service) error {
	server := mcppkg.NewServer(&mcppkg.Implementation{Name: "chorus-expert", Version: "1.0.0"}, nil)

	mcppkg.AddTool(server, &mcppkg.Tool{
		Name: "query_expert_stream",
		Description: "Ask the expert a question. The expert consults its own model and tools and " +
			"streams back the answer.",
	}, func(ctx context.Context, req *mcppkg.CallToolRequest, args queryArgs) (*mcppkg.CallToolResult, any, error) {
		if strings.TrimSpace(args.Question) == "" {
			return nil, nil, fmt.Errorf("question is required")
		}
		var out strings.Builder
		for chunk := range svc.AskStream(ctx, args.Question) {
			out.WriteString(chunk.JSON())
			out.WriteString("\n")
		}
		return &mcppkg.CallToolResult{
			Content: []mcppkg.Content{&mcppkg.TextContent{Text: out.String()}},
		}, nil, nil
	})

	log.Info().Msg("expert_mcp_server_listening")
	return server.Run(ctx, &mcppkg.StdioTransport{})
}

// serveHTTP exposes the downstream-facing HTTP surface.
func serveHTTP(ctx context.Context, cfg *config.Config, svc *expert.Service) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	registerRoutes(e, cfg, svc)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	go func() {
		<-ctx.Done()
		_ = e.Shutdown(context.Background())
	}()
	log.Info().Str("addr", addr).Msg("expert_http_server_listening")
	if err := e.Start(addr); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("http_server_error")
	}
}
