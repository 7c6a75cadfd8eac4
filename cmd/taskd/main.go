// taskd is the task-manager MCP server: a per-session task graph with
// dependency gating, exposed as streaming-style tools over stdio MCP.
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

	"chorus/internal/tasks"
)

func main() {
	dataDir := flag.String("data-dir", "./task_data", "directory for task session files")
	flag.Parse()

	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	_ = godotenv.Load()

	svc, err := tasks.NewService(*dataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("task_service_init_failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := mcppkg.NewServer(&mcppkg.Implementation{Name: "chorus-tasks", Version: "1.0.0"}, nil)
	registerTools(server, svc)

	log.Info().Str("data_dir", *dataDir).Msg("task_mcp_server_listening")
	if err := server.Run(ctx, &mcppkg.StdioTransport{}); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("mcp_server_error")
	}
}

func textResult(s string) *mcppkg.CallToolResult {
	return &mcppkg.CallToolResult{Content: []mcppkg.Content{&mcppkg.TextContent{Text: s}}}
}

type createTasksArgs struct {
	SessionID string            `json:"session_id" jsonschema:"session the tasks belong to"`
	Tasks     []tasks.TaskInput `json:"tasks" jsonschema:"tasks to create"`
}

type sessionArgs struct {
	SessionID string `json:"session_id" jsonschema:"session to operate on"`
}

type taskIDArgs struct {
	TaskID string `json:"task_id" jsonschema:"task id"`
}

type saveExecutionArgs struct {
	TaskID           string `json:"task_id" jsonschema:"task id"`
	ExecutionProcess string `json:"execution_process" jsonschema:"description of how the task was completed"`
}

func registerTools(server *mcppkg.Server, svc *tasks.Service) {
	mcppkg.AddTool(server, &mcppkg.Tool{
		Name:        "create_tasks",
		Description: "Create or replace the session's task list. Each task needs title, target, operation, specifics, related and dependencies.",
	}, func(ctx context.Context, req *mcppkg.CallToolRequest, args createTasksArgs) (*mcppkg.CallToolResult, any, error) {
		if args.SessionID == "" {
			return nil, nil, fmt.Errorf("session_id is required")
		}
		var out strings.Builder
		if err := svc.CreateTasks(args.Tasks, args.SessionID, func(s string) { out.WriteString(s) }); err != nil {
			return nil, nil, err
		}
		return textResult(out.String()), nil, nil
	})

	mcppkg.AddTool(server, &mcppkg.Tool{
		Name:        "get_next_executable_task",
		Description: "Return the task to work on next: the one already in progress, or the earliest pending task whose dependencies are done.",
	}, func(ctx context.Context, req *mcppkg.CallToolRequest, args sessionArgs) (*mcppkg.CallToolResult, any, error) {
		var out strings.Builder
		_, err := svc.NextExecutable(args.SessionID, func(s string) { out.WriteString(s) })
		if err != nil {
			out.WriteString(err.Error() + "\n")
		}
		return textResult(out.String()), nil, nil
	})

	mcppkg.AddTool(server, &mcppkg.Tool{
		Name:        "save_task_execution",
		Description: "Record how a task was completed and mark it dev_completed.",
	}, func(ctx context.Context, req *mcppkg.CallToolRequest, args saveExecutionArgs) (*mcppkg.CallToolResult, any, error) {
		var out strings.Builder
		if err := svc.SaveExecution(args.TaskID, args.ExecutionProcess, func(s string) { out.WriteString(s) }); err != nil {
			out.WriteString(err.Error() + "\n")
		}
		return textResult(out.String()), nil, nil
	})

	mcppkg.AddTool(server, &mcppkg.Tool{
		Name:        "get_current_executing_task",
		Description: "Show the task currently in progress, or the most recently dev-completed one with its execution record.",
	}, func(ctx context.Context, req *mcppkg.CallToolRequest, args sessionArgs) (*mcppkg.CallToolResult, any, error) {
		var out strings.Builder
		_, _, err := svc.CurrentExecuting(args.SessionID, func(s string) { out.WriteString(s) })
		if err != nil {
			out.WriteString(err.Error() + "\n")
		}
		return textResult(out.String()), nil, nil
	})

	mcppkg.AddTool(server, &mcppkg.Tool{
		Name:        "complete_task",
		Description: "Mark a task as completed.",
	}, func(ctx context.Context, req *mcppkg.CallToolRequest, args taskIDArgs) (*mcppkg.CallToolResult, any, error) {
		var out strings.Builder
		if err := svc.Complete(args.TaskID, func(s string) { out.WriteString(s) }); err != nil {
			out.WriteString(err.Error() + "\n")
		}
		return textResult(out.String()), nil, nil
	})

	mcppkg.AddTool(server, &mcppkg.Tool{
		Name:        "get_task_stats",
		Description: "Count the session's tasks by status and list them.",
	}, func(ctx context.Context, req *mcppkg.CallToolRequest, args sessionArgs) (*mcppkg.CallToolResult, any, error) {
		var out strings.Builder
		if err := svc.Stats(args.SessionID, func(s string) { out.WriteString(s) }); err != nil {
			out.WriteString(err.Error() + "\n")
		}
		return textResult(out.String()), nil, nil
	})

	mcppkg.AddTool(server, &mcppkg.Tool{
		Name:        "update_data_dir",
		Description: "Point the task store at a different data directory.",
	}, func(ctx context.Context, req *mcppkg.CallToolRequest, args struct {
		DataDir string `json:"data_dir" jsonschema:"new data directory"`
	}) (*mcppkg.CallToolResult, any, error) {
		if err := svc.SetDataDir(args.DataDir); err != nil {
			return nil, nil, err
		}
		return textResult(fmt.Sprintf("Data directory updated to %s\n", args.DataDir)), nil, nil
	})
}
