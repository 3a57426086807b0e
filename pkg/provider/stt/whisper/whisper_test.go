package whisper_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/stt/whisper"
)

// ---- helpers ----------------------------------------------------------------

// upload captures what the fake server received.
type upload struct {
	file     []byte
	language string
	model    string
}

// newMockServer creates a test server that responds to POST /inference with a
// JSON body containing responseText and stores the received form in got.
func newMockServer(t *testing.T, responseText string, got *upload, callCount *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if callCount != nil {
			callCount.Add(1)
		}
		if got != nil {
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f, _, err := r.FormFile("file")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			got.file, _ = io.ReadAll(f)
			got.language = r.FormValue("language")
			got.model = r.FormValue("model")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// ---- provider construction --------------------------------------------------

func TestNew_Validation(t *testing.T) {
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
	if _, err := whisper.New("http://localhost:8080", whisper.WithSampleRate(0)); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
	if _, err := whisper.New("http://localhost:8080",
		whisper.WithModel("small"),
		whisper.WithLanguage("de"),
		whisper.WithChannels(2),
		whisper.WithHTTPClient(&http.Client{Timeout: time.Second}),
	); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ---- transcription ----------------------------------------------------------

func TestTranscribe_WrapsPCMInWAV(t *testing.T) {
	var got upload
	var calls atomic.Int32
	srv := newMockServer(t, "  hello world \n", &got, &calls)

	p, err := whisper.New(srv.URL+"/", whisper.WithLanguage("en"), whisper.WithModel("base.en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pcm := bytes.Repeat([]byte{0x10, 0x00}, 16000) // one second at 16 kHz mono
	tr, err := p.Transcribe(context.Background(), pcm)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if tr.Text != "hello world" {
		t.Errorf("text: want %q, got %q", "hello world", tr.Text)
	}
	if tr.Duration != time.Second {
		t.Errorf("duration: want 1s, got %v", tr.Duration)
	}
	if calls.Load() != 1 {
		t.Errorf("calls: want 1, got %d", calls.Load())
	}
	if len(got.file) != 44+len(pcm) {
		t.Fatalf("upload size: want %d, got %d", 44+len(pcm), len(got.file))
	}
	if string(got.file[0:4]) != "RIFF" || string(got.file[8:12]) != "WAVE" {
		t.Error("upload is not a RIFF/WAVE container")
	}
	if rate := binary.LittleEndian.Uint32(got.file[24:28]); rate != 16000 {
		t.Errorf("wav sample rate: want 16000, got %d", rate)
	}
	if !bytes.Equal(got.file[44:], pcm) {
		t.Error("pcm payload must be passed through unchanged")
	}
	if got.language != "en" || got.model != "base.en" {
		t.Errorf("form fields: got language=%q model=%q", got.language, got.model)
	}
}

func TestTranscribe_Passthrough(t *testing.T) {
	var got upload
	srv := newMockServer(t, "hi", &got, nil)

	p, _ := whisper.New(srv.URL, whisper.WithPassthrough())
	payload := []byte("opaque container bytes")
	if _, err := p.Transcribe(context.Background(), payload); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if !bytes.Equal(got.file, payload) {
		t.Error("passthrough must upload the utterance unchanged")
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	p, _ := whisper.New("http://localhost:1")
	if _, err := p.Transcribe(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty audio")
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":"model loading"}`)
	}))
	t.Cleanup(srv.Close)

	p, _ := whisper.New(srv.URL)
	_, err := p.Transcribe(context.Background(), []byte{0, 0})
	if !errors.Is(err, provider.ErrResponse) {
		t.Fatalf("want ErrResponse, got %v", err)
	}
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("want status 503, got %v", err)
	}
}

func TestTranscribe_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, _ := whisper.New(url)
	_, err := p.Transcribe(context.Background(), []byte{0, 0})
	if !errors.Is(err, provider.ErrUnreachable) {
		t.Fatalf("want ErrUnreachable, got %v", err)
	}
}

func TestTranscribe_MalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `not json`)
	}))
	t.Cleanup(srv.Close)

	p, _ := whisper.New(srv.URL)
	_, err := p.Transcribe(context.Background(), []byte{0, 0})
	if !errors.Is(err, provider.ErrResponse) {
		t.Fatalf("want ErrResponse, got %v", err)
	}
}
