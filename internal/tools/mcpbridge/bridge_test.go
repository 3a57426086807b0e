package mcpbridge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/parley/internal/tools"
)

// fakeSession is a scripted MCP client session.
type fakeSession struct {
	mu     sync.Mutex
	calls  []*mcpsdk.CallToolParams
	result *mcpsdk.CallToolResult
	err    error
	closed bool
}

func (s *fakeSession) CallTool(_ context.Context, p *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, p)
	return s.result, s.err
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func textResult(text string, isError bool) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
		IsError: isError,
	}
}

func sdkTools(names ...string) []*mcpsdk.Tool {
	out := make([]*mcpsdk.Tool, 0, len(names))
	for _, n := range names {
		out = append(out, &mcpsdk.Tool{
			Name:        n,
			Description: n + " tool",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []any{"query"},
			},
		})
	}
	return out
}

// ─── install / Close ─────────────────────────────────────────────────────────

func TestInstall_RegistersAndRoutes(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	b := New(reg)
	sess := &fakeSession{result: textResult("found it", false)}

	if err := b.install("search", sess, sdkTools("web_search")); err != nil {
		t.Fatalf("install: %v", err)
	}
	if got := b.Tools("search"); !reflect.DeepEqual(got, []string{"web_search"}) {
		t.Errorf("Tools = %v", got)
	}

	defs := reg.List()
	if len(defs) != 1 || defs[0].Name != "web_search" {
		t.Fatalf("List = %+v", defs)
	}
	if got := defs[0].Required(); !reflect.DeepEqual(got, []string{"query"}) {
		t.Errorf("Required = %v, want [query]", got)
	}

	out, err := reg.Execute(context.Background(), "web_search", tools.RawArgs(`{"query":"go"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "found it" {
		t.Errorf("result = %q", out)
	}
	if len(sess.calls) != 1 || sess.calls[0].Name != "web_search" {
		t.Fatalf("calls = %+v", sess.calls)
	}
	args, _ := sess.calls[0].Arguments.(map[string]any)
	if args["query"] != "go" {
		t.Errorf("arguments = %v", sess.calls[0].Arguments)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !sess.closed {
		t.Error("session not closed")
	}
	if len(reg.List()) != 0 {
		t.Error("tools still registered after Close")
	}
}

func TestInstall_ReplacesServer(t *testing.T) {
	t.Parallel()

	reg := tools.NewRegistry()
	b := New(reg)
	first := &fakeSession{}
	second := &fakeSession{}

	_ = b.install("srv", first, sdkTools("a", "b"))
	_ = b.install("srv", second, sdkTools("c"))

	if !first.closed {
		t.Error("replaced session not closed")
	}
	if got := reg.Names(); !reflect.DeepEqual(got, []string{"c"}) {
		t.Errorf("Names = %v, want [c]", got)
	}
}

func TestCallHandler_Errors(t *testing.T) {
	t.Parallel()

	transport := &fakeSession{err: errors.New("connection reset")}
	if _, err := callHandler(transport, "x")(context.Background(), tools.Args{}); err == nil {
		t.Error("expected transport error")
	}

	appErr := &fakeSession{result: textResult("quota exceeded", true)}
	_, err := callHandler(appErr, "x")(context.Background(), tools.Args{})
	if err == nil || err.Error() != "quota exceeded" {
		t.Errorf("err = %v, want quota exceeded", err)
	}
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func TestNewTransport_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{name: "no name", cfg: ServerConfig{Transport: TransportStdio, Command: "srv"}, wantErr: true},
		{name: "bad transport", cfg: ServerConfig{Name: "x", Transport: "carrier-pigeon"}, wantErr: true},
		{name: "stdio without command", cfg: ServerConfig{Name: "x", Transport: TransportStdio}, wantErr: true},
		{name: "http without url", cfg: ServerConfig{Name: "x", Transport: TransportStreamableHTTP}, wantErr: true},
		{name: "stdio", cfg: ServerConfig{Name: "x", Transport: TransportStdio, Command: "/bin/srv --flag", Env: map[string]string{"A": "1"}}},
		{name: "http", cfg: ServerConfig{Name: "x", Transport: TransportStreamableHTTP, URL: "http://localhost/mcp"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr, err := newTransport(context.Background(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tr == nil {
				t.Error("nil transport")
			}
		})
	}
}

func TestConnect_UnreachableServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	b := New(tools.NewRegistry())
	err := b.Connect(context.Background(), ServerConfig{
		Name:      "broken",
		Transport: TransportStreamableHTTP,
		URL:       srv.URL + "/mcp",
	})
	if err == nil {
		t.Fatal("expected connect error")
	}
}

func TestSchemaToMap(t *testing.T) {
	t.Parallel()

	type schema struct {
		Type string `json:"type"`
	}
	if got := schemaToMap(nil); got["type"] != "object" {
		t.Errorf("nil schema = %v", got)
	}
	if got := schemaToMap(schema{Type: "object"}); got["type"] != "object" {
		t.Errorf("struct schema = %v", got)
	}
	if got := schemaToMap(make(chan int)); got["type"] != "object" {
		t.Errorf("unencodable schema = %v", got)
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()

	exe, args := splitCommand(" /bin/foo --bar baz ")
	if exe != "/bin/foo" || !reflect.DeepEqual(args, []string{"--bar", "baz"}) {
		t.Errorf("splitCommand = %q %v", exe, args)
	}
	if exe, _ := splitCommand(""); exe != "" {
		t.Errorf("empty command executable = %q", exe)
	}
}
