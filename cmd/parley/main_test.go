package main

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/provider/vad/energy"
)

func TestRegisterBuiltinProviders_CoversKnownNames(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	create := map[string]func(config.ProviderEntry) error{
		"vad":    func(e config.ProviderEntry) error { _, err := reg.CreateVAD(e); return err },
		"stt":    func(e config.ProviderEntry) error { _, err := reg.CreateSTT(e); return err },
		"llm":    func(e config.ProviderEntry) error { _, err := reg.CreateLLM(e); return err },
		"tts":    func(e config.ProviderEntry) error { _, err := reg.CreateTTS(e); return err },
		"vision": func(e config.ProviderEntry) error { _, err := reg.CreateVision(e); return err },
	}
	for kind, names := range config.ValidProviderNames {
		fn, ok := create[kind]
		if !ok {
			t.Errorf("no create function for kind %q", kind)
			continue
		}
		for _, name := range names {
			// Construction may fail without credentials; it must not fail
			// because the name is unknown.
			err := fn(config.ProviderEntry{Name: name, BaseURL: "http://127.0.0.1:1", Model: "test"})
			if errors.Is(err, config.ErrProviderNotRegistered) {
				t.Errorf("%s/%s is not registered", kind, name)
			}
		}
	}
}

func TestRegisterBuiltinProviders_Energy(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	p, err := reg.CreateVAD(config.ProviderEntry{Name: "energy", Options: map[string]any{"threshold": 0.02}})
	if err != nil {
		t.Fatalf("CreateVAD(energy): %v", err)
	}
	if _, ok := p.(*energy.Provider); !ok {
		t.Errorf("CreateVAD(energy) = %T, want *energy.Provider", p)
	}

	if _, err := reg.CreateVAD(config.ProviderEntry{Name: "webrtc"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateVAD(webrtc) error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := slogLevel(tt.in); got != tt.want {
			t.Errorf("slogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
