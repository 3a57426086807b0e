package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parley/internal/tools/mcpbridge"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"vad":    {"silero", "energy"},
	"stt":    {"whisper"},
	"llm":    {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts":    {"parler", "coqui", "elevenlabs"},
	"vision": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
// An empty document yields the zero [Config], which fails validation
// because the four required providers are missing.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	required := []struct {
		kind  string
		entry ProviderEntry
	}{
		{"vad", cfg.Providers.VAD},
		{"stt", cfg.Providers.STT},
		{"llm", cfg.Providers.LLM},
		{"tts", cfg.Providers.TTS},
	}
	for _, p := range required {
		if !p.entry.Configured() {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", p.kind))
		}
		errs = append(errs, validateEntry(p.kind, p.entry)...)
	}
	errs = append(errs, validateEntry("vision", cfg.Providers.Vision)...)
	if !cfg.Providers.Vision.Configured() {
		slog.Warn("providers.vision is not configured; image uploads will be rejected")
	}

	// Conversation
	conv := cfg.Conversation
	nonNegative := []struct {
		field string
		value int
	}{
		{"silence_threshold", conv.SilenceThreshold},
		{"max_buffered_frames", conv.MaxBufferedFrames},
		{"frame_queue_size", conv.FrameQueueSize},
		{"max_tool_rounds", conv.MaxToolRounds},
		{"audio_chunk_bytes", conv.AudioChunkBytes},
	}
	for _, f := range nonNegative {
		if f.value < 0 {
			errs = append(errs, fmt.Errorf("conversation.%s %d must not be negative", f.field, f.value))
		}
	}
	if conv.ToolTimeout < 0 || conv.TurnTimeout < 0 {
		errs = append(errs, errors.New("conversation timeouts must not be negative"))
	}

	// Tools
	seenBuiltin := make(map[string]bool)
	for i, name := range cfg.Tools.Builtins {
		if !slices.Contains(BuiltinTools, name) {
			errs = append(errs, fmt.Errorf("tools.builtins[%d] %q is unknown; valid values: %v", i, name, BuiltinTools))
		}
		if seenBuiltin[name] {
			errs = append(errs, fmt.Errorf("tools.builtins[%d] %q is listed twice", i, name))
		}
		seenBuiltin[name] = true
	}

	mcpNamesSeen := make(map[string]int, len(cfg.Tools.MCPServers))
	for i, srv := range cfg.Tools.MCPServers {
		prefix := fmt.Sprintf("tools.mcp_servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := mcpNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools.mcp_servers[%d]", prefix, srv.Name, prev))
			}
			mcpNamesSeen[srv.Name] = i
		}
		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcpbridge.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcpbridge.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	// Store
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; conversations will not be persisted")
	}
	if cfg.Store.FlushInterval < 0 {
		errs = append(errs, fmt.Errorf("store.flush_interval %v must not be negative", cfg.Store.FlushInterval))
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r != nil && (*r < 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %v must be between 0 and 1", *r))
	}

	return errors.Join(errs...)
}

// validateEntry checks an entry and its fallbacks. Unknown names only warn so
// third-party factories can be registered.
func validateEntry(kind string, entry ProviderEntry) []error {
	var errs []error
	validateProviderName(kind, entry.Name)
	if entry.Timeout < 0 {
		errs = append(errs, fmt.Errorf("providers.%s.timeout %v must not be negative", kind, entry.Timeout))
	}
	if len(entry.Fallbacks) > 0 && !entry.Configured() {
		errs = append(errs, fmt.Errorf("providers.%s.fallbacks require providers.%s.name", kind, kind))
	}
	for i, fb := range entry.Fallbacks {
		prefix := fmt.Sprintf("providers.%s.fallbacks[%d]", kind, i)
		if !fb.Configured() {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallbacks must not be nested", prefix))
		}
		validateProviderName(kind, fb.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
