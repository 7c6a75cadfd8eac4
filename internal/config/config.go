package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// CompletionsConfig holds the chat-completion endpoint settings shared by the
// conversation driver and the summarizer.
type CompletionsConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	ModelName   string  `yaml:"model_name"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// HistoryConfig controls the chat-history store.
type HistoryConfig struct {
	BackendURI string `yaml:"history_backend_uri"`
	Limit      int    `yaml:"history_limit"`
	Enabled    bool   `yaml:"enable_history"`
	FilePath   string `yaml:"file_path"`
}

// TelemetryConfig controls OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// HTTPServer is one downstream MCP server reachable over HTTP.
type HTTPServer struct {
	Name string
	URL  string
}

// StdioServer is one downstream MCP server spawned as a subprocess.
type StdioServer struct {
	Name      string
	Command   string
	Alias     string
	ConfigDir string
}

type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DataPath string `yaml:"data_path"`

	SystemPrompt string `yaml:"system_prompt"`

	// Raw downstream declarations, parsed into Servers below.
	MCPServers      string `yaml:"mcp_servers"`
	StdioMCPServers string `yaml:"stdio_mcp_servers"`
	Role            string `yaml:"role"`

	SummaryInterval        int    `yaml:"summary_interval"`
	MaxRounds              int    `yaml:"max_rounds"`
	SummaryLengthThreshold int    `yaml:"summary_length_threshold"`
	SummaryInstruction     string `yaml:"summary_instruction"`
	SummaryRequest         string `yaml:"summary_request"`

	Completions CompletionsConfig `yaml:"completions"`
	History     HistoryConfig     `yaml:"history"`
	OTel        TelemetryConfig   `yaml:"otel"`

	// Parsed from MCPServers / StdioMCPServers.
	Servers      []HTTPServer  `yaml:"-"`
	StdioServers []StdioServer `yaml:"-"`
}

// Load reads the YAML config file, applies environment overrides for the
// secrets, parses the downstream declarations and fills defaults.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if v := os.Getenv("CHORUS_API_KEY"); v != "" {
		cfg.Completions.APIKey = v
	}
	if v := os.Getenv("CHORUS_HISTORY_URI"); v != "" {
		cfg.History.BackendURI = v
	}

	cfg.ApplyDefaults()

	cfg.Servers = ParseHTTPServers(cfg.MCPServers)
	cfg.StdioServers = ParseStdioServers(cfg.StdioMCPServers)

	log.Info().
		Str("model", cfg.Completions.ModelName).
		Int("http_servers", len(cfg.Servers)).
		Int("stdio_servers", len(cfg.StdioServers)).
		Msg("config_loaded")
	return &cfg, nil
}

// ApplyDefaults fills every zero-valued knob with its documented default.
func (c *Config) ApplyDefaults() {
	if c.Completions.BaseURL == "" {
		c.Completions.BaseURL = "https://api.openai.com/v1"
	}
	if c.Completions.ModelName == "" {
		c.Completions.ModelName = "gpt-4o-mini"
	}
	if c.Completions.Temperature == 0 {
		c.Completions.Temperature = 0.7
	}
	if c.Completions.MaxTokens <= 0 {
		c.Completions.MaxTokens = 16000
	}
	if c.SummaryInterval <= 0 {
		c.SummaryInterval = 5
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = 25
	}
	if c.SummaryLengthThreshold <= 0 {
		c.SummaryLengthThreshold = 30000
	}
	if c.History.Limit <= 0 {
		c.History.Limit = 10
	}
	if c.History.FilePath == "" {
		c.History.FilePath = "data/chat_history.json"
	}
	if c.DataPath == "" {
		c.DataPath = "data"
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8090
	}
	if c.OTel.ServiceName == "" {
		c.OTel.ServiceName = "chorus"
	}
}

// ParseHTTPServers parses "name1:url1,name2:url2". Entries without a colon
// are skipped with a warning.
func ParseHTTPServers(s string) []HTTPServer {
	var out []HTTPServer
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, url, ok := strings.Cut(entry, ":")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(url) == "" {
			log.Warn().Str("entry", entry).Msg("skipping_invalid_mcp_server_entry")
			continue
		}
		out = append(out, HTTPServer{Name: strings.TrimSpace(name), URL: strings.TrimSpace(url)})
	}
	return out
}

// ParseStdioServers parses "name:command--alias,…". The alias defaults to the
// server name when the "--alias" suffix is absent.
func ParseStdioServers(s string) []StdioServer {
	var out []StdioServer
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, rest, ok := strings.Cut(entry, ":")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(rest) == "" {
			log.Warn().Str("entry", entry).Msg("skipping_invalid_stdio_server_entry")
			continue
		}
		name = strings.TrimSpace(name)
		command, alias, hasAlias := strings.Cut(rest, "--")
		srv := StdioServer{Name: name, Command: strings.TrimSpace(command), Alias: name}
		if hasAlias && strings.TrimSpace(alias) != "" {
			srv.Alias = strings.TrimSpace(alias)
		}
		if srv.Command == "" {
			log.Warn().Str("entry", entry).Msg("skipping_invalid_stdio_server_entry")
			continue
		}
		out = append(out, srv)
	}
	return out
}
