// Package broker discovers tools from downstream MCP servers and routes
// streaming tool calls to them over HTTP/SSE, HTTP/JSON-RPC and stdio.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chorus/internal/config"
	"chorus/internal/llm"
)

// Protocol tags for tool descriptors.
const (
	ProtocolHTTP  = "http"
	ProtocolSSE   = "sse"
	ProtocolStdio = "stdio"
)

// Descriptor locates one downstream tool behind its prefixed name.
type Descriptor struct {
	PrefixedName string
	OriginalName string
	ServerName   string
	Protocol     string

	// HTTP downstreams
	ServerURL string

	// Stdio downstreams
	Command   string
	Alias     string
	ConfigDir string
}

// Event is one chunk of a tool call's output stream. Exactly one event per
// call has Final set; it carries the full accumulated content.
type Event struct {
	ToolCallID string
	ToolName   string
	Content    string
	Final      bool
	IsError    bool
}

// Broker owns the tool catalog and the stdio client cache. The catalog is
// append-only for the broker's lifetime; lazy appends are serialized by mu.
type Broker struct {
	servers      []config.HTTPServer
	stdioServers []config.StdioServer
	role         string
	lazy         bool

	httpClient *http.Client
	cache      *clientCache

	mu    sync.RWMutex
	tools []llm.ToolSchema
	meta  map[string]*Descriptor

	// invoke is swapped in tests to script transport behavior.
	invoke func(ctx context.Context, d *Descriptor, args map[string]any, emit func(string)) error
}

// Option configures a Broker.
type Option func(*Broker)

// WithLazyDiscovery defers catalog population to the first reference of each
// prefixed tool name.
func WithLazyDiscovery() Option {
	return func(b *Broker) { b.lazy = true }
}

// New builds a Broker over the configured downstream servers.
func New(servers []config.HTTPServer, stdioServers []config.StdioServer, role string, opts ...Option) *Broker {
	b := &Broker{
		servers:      servers,
		stdioServers: stdioServers,
		role:         role,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			},
		},
		cache: newClientCache(),
		meta:  map[string]*Descriptor{},
	}
	b.invoke = b.invokeTransport
	for _, o := range opts {
		o(b)
	}
	return b
}

// Init populates the catalog. In lazy mode it is a no-op; tools are resolved
// on first reference instead.
func (b *Broker) Init(ctx context.Context) error {
	if b.lazy {
		log.Info().Msg("lazy_discovery_enabled_skipping_catalog_build")
		return nil
	}
	return b.buildCatalog(ctx)
}

// Tools returns the current catalog in OpenAI function format.
func (b *Broker) Tools() []llm.ToolSchema {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]llm.ToolSchema, len(b.tools))
	copy(out, b.tools)
	return out
}

// Close terminates every cached stdio subprocess.
func (b *Broker) Close() {
	b.cache.closeAll()
}

// Execute dispatches the given tool calls in order and streams their output.
// Every call produces zero or more non-final events followed by exactly one
// final event carrying the accumulated content; failures produce a final
// event with IsError set and a JSON error payload. The returned channel is
// closed when all calls have finished.
func (b *Broker) Execute(ctx context.Context, calls []llm.ToolCall) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for _, call := range calls {
			b.executeOne(ctx, call, out)
		}
	}()
	return out
}

func (b *Broker) executeOne(ctx context.Context, call llm.ToolCall, out chan<- Event) {
	callID := call.ID
	if callID == "" {
		callID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	}
	name := call.Name

	desc := b.findDescriptor(name)
	if desc == nil && b.lazy {
		var err error
		desc, err = b.Resolve(ctx, name)
		if err != nil {
			log.Warn().Err(err).Str("tool", name).Msg("lazy_resolve_failed")
		}
	}
	if desc == nil {
		b.emitError(out, callID, name, fmt.Errorf("tool not found: %s", name))
		return
	}

	args := normalizeArgs(call.Arguments)

	var accumulated strings.Builder
	emit := func(chunk string) {
		if chunk == "" {
			return
		}
		accumulated.WriteString(chunk)
		select {
		case out <- Event{ToolCallID: callID, ToolName: name, Content: chunk}:
		case <-ctx.Done():
		}
	}

	err := b.invoke(ctx, desc, args, emit)
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Str("tool", name).Msg("tool_execution_failed")
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		content := accumulated.String() + string(payload)
		b.send(out, Event{ToolCallID: callID, ToolName: name, Content: content, Final: true, IsError: true})
		return
	}

	// Aborted consumers still get a final event from whatever was collected.
	b.send(out, Event{ToolCallID: callID, ToolName: name, Content: accumulated.String(), Final: true})
}

// send delivers a final event even when the context is already cancelled, so
// finalization holds under abort; it only gives up if the consumer is gone.
func (b *Broker) send(out chan<- Event, ev Event) {
	select {
	case out <- ev:
	case <-time.After(time.Second):
		log.Warn().Str("tool", ev.ToolName).Msg("dropping_final_event_no_consumer")
	}
}

func (b *Broker) emitError(out chan<- Event, callID, name string, err error) {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	b.send(out, Event{ToolCallID: callID, ToolName: name, Content: string(payload), Final: true, IsError: true})
}

func (b *Broker) invokeTransport(ctx context.Context, d *Descriptor, args map[string]any, emit func(string)) error {
	switch d.Protocol {
	case ProtocolStdio:
		return b.invokeStdio(ctx, d, args, emit)
	default:
		return b.invokeSSE(ctx, d, args, emit)
	}
}

func (b *Broker) findDescriptor(name string) *Descriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.meta[name]
}

// Resolve performs lazy discovery for a prefixed name of the form
// {server}_{tool}. Only stdio downstreams are routed this way; the matching
// server is spawned (or reused), the tool's presence verified, its schema
// fetched and the catalog extended without duplicates.
func (b *Broker) Resolve(ctx context.Context, prefixed string) (*Descriptor, error) {
	serverName, original, ok := strings.Cut(prefixed, "_")
	if !ok {
		return nil, fmt.Errorf("not a prefixed tool name: %s", prefixed)
	}

	var srv *config.StdioServer
	for i := range b.stdioServers {
		if b.stdioServers[i].Name == serverName {
			srv = &b.stdioServers[i]
			break
		}
	}
	if srv == nil {
		return nil, fmt.Errorf("no stdio server configured for prefix %q", serverName)
	}

	client, err := b.cache.getOrCreate(ctx, cacheKey(srv.Command, srv.Alias, srv.ConfigDir), func(ctx context.Context) (*stdioClient, error) {
		return spawnStdioClient(ctx, srv.Command, srv.Alias, srv.ConfigDir)
	})
	if err != nil {
		return nil, fmt.Errorf("spawn stdio client: %w", err)
	}

	info, err := client.toolInfo(ctx, original, b.role)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("downstream %q does not advertise tool %q", serverName, original)
	}

	desc := &Descriptor{
		PrefixedName: prefixed,
		OriginalName: original,
		ServerName:   serverName,
		Protocol:     ProtocolStdio,
		Command:      srv.Command,
		Alias:        srv.Alias,
		ConfigDir:    srv.ConfigDir,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.meta[prefixed]; ok {
		return existing, nil
	}
	b.meta[prefixed] = desc
	b.tools = append(b.tools, llm.ToolSchema{
		Name:        prefixed,
		Description: info.Description,
		Parameters:  info.Parameters,
	})
	log.Info().Str("tool", prefixed).Msg("tool_resolved_lazily")
	return desc, nil
}

func (b *Broker) buildCatalog(ctx context.Context) error {
	for _, srv := range b.servers {
		tools, err := b.listHTTPTools(ctx, srv.URL)
		if err != nil {
			log.Warn().Err(err).Str("server", srv.Name).Msg("http_tool_discovery_failed")
			continue
		}
		b.mu.Lock()
		for _, t := range tools {
			prefixed := srv.Name + "_" + t.Name
			if _, dup := b.meta[prefixed]; dup {
				continue
			}
			b.meta[prefixed] = &Descriptor{
				PrefixedName: prefixed,
				OriginalName: t.Name,
				ServerName:   srv.Name,
				Protocol:     ProtocolHTTP,
				ServerURL:    srv.URL,
			}
			b.tools = append(b.tools, llm.ToolSchema{Name: prefixed, Description: t.Description, Parameters: t.Parameters})
		}
		b.mu.Unlock()
		log.Info().Str("server", srv.Name).Int("tools", len(tools)).Msg("http_tools_registered")
	}

	for _, srv := range b.stdioServers {
		client, err := b.cache.getOrCreate(ctx, cacheKey(srv.Command, srv.Alias, srv.ConfigDir), func(ctx context.Context) (*stdioClient, error) {
			return spawnStdioClient(ctx, srv.Command, srv.Alias, srv.ConfigDir)
		})
		if err != nil {
			log.Warn().Err(err).Str("server", srv.Name).Msg("stdio_spawn_failed")
			continue
		}
		tools, err := client.listTools(ctx, b.role)
		if err != nil {
			// Broken client: evict so the next call re-spawns.
			b.cache.remove(cacheKey(srv.Command, srv.Alias, srv.ConfigDir))
			log.Warn().Err(err).Str("server", srv.Name).Msg("stdio_tool_discovery_failed")
			continue
		}
		b.mu.Lock()
		for _, t := range tools {
			prefixed := srv.Name + "_" + t.Name
			if _, dup := b.meta[prefixed]; dup {
				continue
			}
			b.meta[prefixed] = &Descriptor{
				PrefixedName: prefixed,
				OriginalName: t.Name,
				ServerName:   srv.Name,
				Protocol:     ProtocolStdio,
				Command:      srv.Command,
				Alias:        srv.Alias,
				ConfigDir:    srv.ConfigDir,
			}
			b.tools = append(b.tools, llm.ToolSchema{Name: prefixed, Description: t.Description, Parameters: t.Parameters})
		}
		b.mu.Unlock()
		log.Info().Str("server", srv.Name).Int("tools", len(tools)).Msg("stdio_tools_registered")
	}

	b.mu.RLock()
	total := len(b.tools)
	b.mu.RUnlock()
	log.Info().Int("total", total).Msg("tool_catalog_built")
	return nil
}
