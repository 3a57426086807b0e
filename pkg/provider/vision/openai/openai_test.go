package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/vision"
)

func TestDataURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mime, b64, want string
	}{
		{"image/png", "AAAA", "data:image/png;base64,AAAA"},
		{"", "AAAA", "data:image/jpeg;base64,AAAA"},
		{"image/png", "data:image/gif;base64,BBBB", "data:image/gif;base64,BBBB"},
	}
	for _, tt := range tests {
		if got := dataURL(tt.mime, tt.b64); got != tt.want {
			t.Errorf("dataURL(%q, %q) = %q, want %q", tt.mime, tt.b64, got, tt.want)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("sk", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": "  A red bicycle.  "},
			}},
		})
	}))
	defer srv.Close()

	p, err := New("sk-test", "gpt-4o", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := p.Describe(context.Background(), vision.Request{ImageBase64: "AAAA", MimeType: "image/png", Prompt: "What is this?"})
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if got != "A red bicycle." {
		t.Errorf("description = %q", got)
	}
	if !strings.Contains(body, "data:image/png;base64,AAAA") || !strings.Contains(body, "What is this?") {
		t.Errorf("request body missing image or prompt: %s", body)
	}
}

func TestDescribe_HTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid image","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	p, _ := New("sk-test", "gpt-4o", WithBaseURL(srv.URL+"/"))
	_, err := p.Describe(context.Background(), vision.Request{ImageBase64: "AAAA"})
	if !errors.Is(err, provider.ErrResponse) {
		t.Fatalf("err = %v, want ErrResponse", err)
	}
}

func TestDescribe_EmptyImage(t *testing.T) {
	t.Parallel()
	p, _ := New("sk-test", "gpt-4o")
	if _, err := p.Describe(context.Background(), vision.Request{}); err == nil {
		t.Fatal("expected error for empty image")
	}
}
