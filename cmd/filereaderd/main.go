// filereaderd is the workspace-reader MCP server: it keeps an inverted index
// of the workspace current via filesystem events and serves full-text search
// and line-window reads.
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
	mcppkg "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chorus/internal/indexer"
)

func main() {
	root := flag.String("root", ".", "workspace root to index")
	dataRoot := flag.String("data-root", "./data", "directory for index snapshots")
	flag.Parse()

	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ix, err := indexer.Open(*root, *dataRoot)
	if err != nil {
		log.Fatal().Err(err).Msg("index_open_failed")
	}
	if _, err := indexer.Watch(ctx, ix); err != nil {
		log.Warn().Err(err).Msg("watcher_start_failed")
	}

	server := mcppkg.NewServer(&mcppkg.Implementation{Name: "chorus-filereader", Version: "1.0.0"}, nil)
	registerTools(server, ix)

	log.Info().Str("root", *root).Int("files", ix.Size()).Msg("filereader_mcp_server_listening")
	if err := server.Run(ctx, &mcppkg.StdioTransport{}); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("mcp_server_error")
	}
}

type searchArgs struct {
	Query      string `json:"query" jsonschema:"text to search for"`
	MaxMatches int    `json:"max_matches,omitempty" jsonschema:"maximum matching lines per file"`
}

type readArgs struct {
	Path      string `json:"path" jsonschema:"file path to read"`
	StartLine int    `json:"start_line,omitempty" jsonschema:"first line to return (1-based)"`
	EndLine   int    `json:"end_line,omitempty" jsonschema:"last line to return (inclusive)"`
}

func registerTools(server *mcppkg.Server, ix *indexer.Index) {
	mcppkg.AddTool(server, &mcppkg.Tool{
		Name:        "search_file_content",
		Description: "Full-text search over the workspace. Returns matching lines per file with line numbers and totals.",
	}, func(ctx context.Context, req *mcppkg.CallToolRequest, args searchArgs) (*mcppkg.CallToolResult, any, error) {
		if strings.TrimSpace(args.Query) == "" {
			return nil, nil, fmt.Errorf("query is required")
		}
		matches := ix.Search(args.Query, args.MaxMatches)
		var out strings.Builder
		if len(matches) == 0 {
			out.WriteString("No matches found.\n")
		}
		for _, m := range matches {
			fmt.Fprintf(&out, "%s (%d lines total)\n", m.Path, m.TotalLines)
			for _, line := range m.Lines {
				fmt.Fprintf(&out, "  %d: %s\n", line.Number, line.Text)
			}
		}
		return &mcppkg.CallToolResult{
			Content: []mcppkg.Content{&mcppkg.TextContent{Text: out.String()}},
		}, nil, nil
	})

	mcppkg.AddTool(server, &mcppkg.Tool{
		Name:        "read_file_lines",
		Description: "Read a window of lines from a file, reporting the file's total line count.",
	}, func(ctx context.Context, req *mcppkg.CallToolRequest, args readArgs) (*mcppkg.CallToolResult, any, error) {
		data, err := os.ReadFile(args.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", args.Path, err)
		}
		lines := strings.Split(string(data), "\n")

		start := args.StartLine
		if start < 1 {
			start = 1
		}
		end := args.EndLine
		if end < 1 || end > len(lines) {
			end = len(lines)
		}
		if start > end {
			return nil, nil, fmt.Errorf("invalid line range %d-%d (file has %d lines)", args.StartLine, args.EndLine, len(lines))
		}

		var out strings.Builder
		fmt.Fprintf(&out, "%s lines %d-%d of %d\n", args.Path, start, end, len(lines))
		for i := start; i <= end; i++ {
			fmt.Fprintf(&out, "%d: %s\n", i, lines[i-1])
		}
		return &mcppkg.CallToolResult{
			Content: []mcppkg.Content{&mcppkg.TextContent{Text: out.String()}},
		}, nil, nil
	})
}
