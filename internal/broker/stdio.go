package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	mcppkg "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"
)

// stdioClient is one long-lived subprocess MCP session.
type stdioClient struct {
	command string
	alias   string
	session *mcppkg.ClientSession
}

// spawnStdioClient starts the configured command and connects an MCP session
// over its stdin/stdout.
func spawnStdioClient(ctx context.Context, command, alias, configDir string) (*stdioClient, error) {
	client := mcppkg.NewClient(&mcppkg.Implementation{Name: "chorus", Version: "1.0.0"}, nil)

	cmd := exec.Command(command)
	if alias != "" {
		cmd.Args = append(cmd.Args, "--alias", alias)
	}
	if configDir != "" {
		cmd.Args = append(cmd.Args, "--config-dir", configDir)
	}

	session, err := client.Connect(ctx, &mcppkg.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, fmt.Errorf("connect stdio server %q: %w", command, err)
	}
	log.Info().Str("command", command).Str("alias", alias).Msg("stdio_client_spawned")
	return &stdioClient{command: command, alias: alias, session: session}, nil
}

func (c *stdioClient) close() error {
	if c.session == nil {
		return nil
	}
	return c.session.Close()
}

// listTools enumerates the downstream's tools. The role tag only affects
// HTTP discovery; stdio downstreams advertise their full set.
func (c *stdioClient) listTools(ctx context.Context, role string) ([]remoteTool, error) {
	var out []remoteTool
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
		out = append(out, remoteTool{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaToMap(tool.InputSchema),
		})
	}
	return out, nil
}

// toolInfo returns the named tool's schema, or nil when the downstream does
// not advertise it.
func (c *stdioClient) toolInfo(ctx context.Context, name, role string) (*remoteTool, error) {
	tools, err := c.listTools(ctx, role)
	if err != nil {
		return nil, err
	}
	for i := range tools {
		if tools[i].Name == name {
			return &tools[i], nil
		}
	}
	return nil, nil
}

// callStream invokes the tool and forwards its text contents as chunks.
func (c *stdioClient) callStream(ctx context.Context, name string, args map[string]any, emit func(string)) error {
	res, err := c.session.CallTool(ctx, &mcppkg.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return fmt.Errorf("call %s: %w", name, err)
	}

	var texts []string
	for _, content := range res.Content {
		if tc, ok := content.(*mcppkg.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	if res.IsError {
		return fmt.Errorf("tool %s failed: %s", name, strings.Join(texts, "\n"))
	}
	for _, t := range texts {
		emit(t)
	}
	if len(texts) == 0 && res.StructuredContent != nil {
		emit(chunkToString(toPlain(res.StructuredContent)))
	}
	return nil
}

// invokeStdio runs the call through a cached client; any error evicts the
// cache entry so the next call re-spawns the subprocess.
func (b *Broker) invokeStdio(ctx context.Context, d *Descriptor, args map[string]any, emit func(string)) error {
	key := cacheKey(d.Command, d.Alias, d.ConfigDir)
	client, err := b.cache.getOrCreate(ctx, key, func(ctx context.Context) (*stdioClient, error) {
		return spawnStdioClient(ctx, d.Command, d.Alias, d.ConfigDir)
	})
	if err != nil {
		return err
	}
	if err := client.callStream(ctx, d.OriginalName, args, emit); err != nil {
		log.Warn().Err(err).Str("tool", d.PrefixedName).Msg("evicting_stdio_client_after_error")
		b.cache.remove(key)
		return err
	}
	return nil
}

// schemaToMap flattens an SDK schema into the OpenAI parameters shape,
// defaulting to an empty object schema.
func schemaToMap(schema any) map[string]any {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	if schema == nil {
		return params
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return params
	}
	var m map[string]any
	if json.Unmarshal(b, &m) != nil || m == nil {
		return params
	}
	for k, v := range m {
		params[k] = v
	}
	if params["type"] != "object" {
		params["type"] = "object"
	}
	if params["properties"] == nil {
		params["properties"] = map[string]any{}
	}
	return params
}

// toPlain round-trips an arbitrary value through JSON so chunkToString sees
// plain maps and slices.
func toPlain(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if json.Unmarshal(b, &out) != nil {
		return v
	}
	return out
}
