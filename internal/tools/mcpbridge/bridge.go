// Package mcpbridge connects to Model Context Protocol servers and registers
// their tools in a [tools.Registry], so remote MCP tools are offered to the
// model alongside the built-in ones.
//
// It uses the official MCP Go SDK (github.com/modelcontextprotocol/go-sdk)
// over stdio or streamable-HTTP transports.
//
// Typical usage:
//
//	b := mcpbridge.New(registry)
//	defer b.Close()
//
//	err := b.Connect(ctx, mcpbridge.ServerConfig{
//	    Name:      "search",
//	    Transport: mcpbridge.TransportStreamableHTTP,
//	    URL:       "http://localhost:8931/mcp",
//	})
package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/parley/internal/tools"
	"github.com/MrWong99/parley/pkg/types"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name identifies the server in logs and errors. Must be unique per Bridge.
	Name string

	Transport Transport

	// Command is the executable and arguments for [TransportStdio].
	Command string

	// URL is the endpoint for [TransportStreamableHTTP].
	URL string

	// Env holds additional environment variables for stdio servers.
	Env map[string]string
}

// session is the subset of *mcpsdk.ClientSession the bridge uses.
type session interface {
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
	Close() error
}

type server struct {
	session session
	tools   []string
}

// Bridge registers MCP server tools in a registry. Bridge is safe for
// concurrent use.
type Bridge struct {
	registry *tools.Registry
	client   *mcpsdk.Client

	mu      sync.Mutex
	servers map[string]server
}

// New returns a Bridge that registers tools in registry.
func New(registry *tools.Registry) *Bridge {
	return &Bridge{
		registry: registry,
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "parley", Version: "1.0.0"},
			nil,
		),
		servers: make(map[string]server),
	}
}

// Connect connects to the server described by cfg and registers every tool it
// lists. Reconnecting a server with the same name replaces its tools.
func (b *Bridge) Connect(ctx context.Context, cfg ServerConfig) error {
	transport, err := newTransport(ctx, cfg)
	if err != nil {
		return err
	}

	cs, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcpbridge: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []*mcpsdk.Tool
	for tool, err := range cs.Tools(ctx, nil) {
		if err != nil {
			_ = cs.Close()
			return fmt.Errorf("mcpbridge: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, tool)
	}

	if err := b.install(cfg.Name, cs, discovered); err != nil {
		_ = cs.Close()
		return err
	}
	slog.Info("mcpbridge: connected", "server", cfg.Name, "tools", len(discovered))
	return nil
}

// install registers discovered tools backed by s, replacing a previous
// connection under the same server name.
func (b *Bridge) install(name string, s session, discovered []*mcpsdk.Tool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.servers[name]; ok {
		b.removeLocked(name, old)
	}

	srv := server{session: s}
	for _, t := range discovered {
		err := b.registry.Register(tools.Tool{
			Definition: definition(t),
			Handler:    callHandler(s, t.Name),
		})
		if err != nil {
			for _, n := range srv.tools {
				b.registry.Unregister(n)
			}
			return fmt.Errorf("mcpbridge: register tool %q from server %q: %w", t.Name, name, err)
		}
		srv.tools = append(srv.tools, t.Name)
	}
	b.servers[name] = srv
	return nil
}

// Tools returns the names of the tools registered from the named server.
func (b *Bridge) Tools(serverName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.servers[serverName].tools...)
}

// Close disconnects every server and unregisters its tools.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for name, srv := range b.servers {
		if err := b.removeLocked(name, srv); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bridge) removeLocked(name string, srv server) error {
	for _, n := range srv.tools {
		b.registry.Unregister(n)
	}
	delete(b.servers, name)
	if err := srv.session.Close(); err != nil {
		return fmt.Errorf("mcpbridge: close server %q: %w", name, err)
	}
	return nil
}

func newTransport(ctx context.Context, cfg ServerConfig) (mcpsdk.Transport, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("mcpbridge: server config must have a non-empty name")
	}
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, fmt.Errorf("mcpbridge: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("mcpbridge: streamable-http server %q requires a non-empty url", cfg.Name)
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}, nil
	default:
		return nil, fmt.Errorf("mcpbridge: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}
}

// definition converts an SDK tool into a registry definition.
func definition(t *mcpsdk.Tool) types.ToolDefinition {
	return types.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  schemaToMap(t.InputSchema),
	}
}

// callHandler routes a registry call to the MCP server.
func callHandler(s session, name string) tools.Handler {
	return func(ctx context.Context, args tools.Args) (string, error) {
		result, err := s.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      name,
			Arguments: args.Object(),
		})
		if err != nil {
			return "", fmt.Errorf("mcpbridge: call tool %q: %w", name, err)
		}
		text := resultText(result)
		if result.IsError {
			return "", errors.New(text)
		}
		return text, nil
	}
}

// resultText concatenates the text content of a tool result.
func resultText(r *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, c := range r.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
