// Command parley is the main entry point for the parley conversation server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/parley/pkg/provider/llm/openai"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/stt/whisper"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/tts/coqui"
	"github.com/MrWong99/parley/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/parley/pkg/provider/tts/parler"
	"github.com/MrWong99/parley/pkg/provider/vad"
	"github.com/MrWong99/parley/pkg/provider/vad/energy"
	"github.com/MrWong99/parley/pkg/provider/vad/silero"
	"github.com/MrWong99/parley/pkg/provider/vision"
	oavision "github.com/MrWong99/parley/pkg/provider/vision/openai"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload conversation settings and log level when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	serviceName := cfg.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = "parley"
	}
	hostname, _ := os.Hostname()
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    serviceName,
		ServiceVersion: version,
		InstanceID:     hostname,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(reg, cfg.Providers)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	logProviders(cfg.Providers)

	// ── Application ───────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
			diff, err := application.Reload(next)
			if err != nil {
				slog.Error("config reload failed", "err", err)
				return
			}
			if diff.LogLevelChanged {
				level.Set(slogLevel(diff.NewLogLevel))
				slog.Info("log level changed", "level", diff.NewLogLevel)
			}
			if diff.ConversationChanged {
				slog.Info("conversation settings reloaded; new sessions use them")
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("silero", func(entry config.ProviderEntry) (vad.Provider, error) {
		var opts []silero.Option
		if t := entry.OptionFloat("threshold", 0); t > 0 {
			opts = append(opts, silero.WithThreshold(t))
		}
		if entry.Timeout > 0 {
			opts = append(opts, silero.WithHTTPClient(&http.Client{Timeout: entry.Timeout}))
		}
		return silero.New(entry.BaseURL, opts...)
	})

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Provider, error) {
		return energy.New(entry.OptionFloat("threshold", 0)), nil
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if rate := entry.OptionInt("sample_rate", 0); rate > 0 {
			opts = append(opts, whisper.WithSampleRate(rate))
		}
		if ch := entry.OptionInt("channels", 0); ch > 0 {
			opts = append(opts, whisper.WithChannels(ch))
		}
		if entry.OptionString("passthrough", "") == "true" {
			opts = append(opts, whisper.WithPassthrough())
		}
		if entry.Timeout > 0 {
			opts = append(opts, whisper.WithHTTPClient(&http.Client{Timeout: entry.Timeout}))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptionString("organization", ""); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		if entry.Timeout > 0 {
			opts = append(opts, oallm.WithTimeout(entry.Timeout))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// The remaining backends go through any-llm and share the same pattern:
	// optional APIKey + optional BaseURL. Local servers such as ollama simply
	// leave the key empty. openai keeps its native streaming adapter.
	for _, backend := range anyllm.Backends {
		if backend == "openai" {
			continue
		}
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("parler", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []parler.Option
		if style := entry.OptionString("style", ""); style != "" {
			opts = append(opts, parler.WithStyle(style))
		}
		if entry.Timeout > 0 {
			opts = append(opts, parler.WithHTTPClient(&http.Client{Timeout: entry.Timeout}))
		}
		return parler.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := entry.OptionString("language", ""); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if speaker := entry.OptionString("speaker", ""); speaker != "" {
			opts = append(opts, coqui.WithSpeaker(speaker))
		}
		if entry.Timeout > 0 {
			opts = append(opts, coqui.WithTimeout(entry.Timeout))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if voice := entry.OptionString("voice", ""); voice != "" {
			opts = append(opts, elevenlabs.WithVoice(voice))
		}
		if outputFmt := entry.OptionString("output_format", ""); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── Vision ────────────────────────────────────────────────────────────────

	reg.RegisterVision("openai", func(entry config.ProviderEntry) (vision.Provider, error) {
		var opts []oavision.Option
		if entry.BaseURL != "" {
			opts = append(opts, oavision.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, oavision.WithTimeout(entry.Timeout))
		}
		if n := entry.OptionInt("max_tokens", 0); n > 0 {
			opts = append(opts, oavision.WithMaxTokens(n))
		}
		return oavision.New(entry.APIKey, entry.Model, opts...)
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// logProviders records which implementation serves each stage.
func logProviders(cfg config.ProvidersConfig) {
	for _, p := range []struct {
		kind  string
		entry config.ProviderEntry
	}{
		{"vad", cfg.VAD},
		{"stt", cfg.STT},
		{"llm", cfg.LLM},
		{"tts", cfg.TTS},
		{"vision", cfg.Vision},
	} {
		if !p.entry.Configured() {
			continue
		}
		fallbacks := make([]string, 0, len(p.entry.Fallbacks))
		for _, fb := range p.entry.Fallbacks {
			fallbacks = append(fallbacks, fb.Name)
		}
		slog.Info("provider created", "kind", p.kind, "name", p.entry.Name, "fallbacks", fallbacks)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          parley startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Vision", cfg.Providers.Vision.Name, cfg.Providers.Vision.Model)
	fmt.Printf("║  Built-in tools  : %-19d ║\n", len(cfg.Tools.EnabledBuiltins()))
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.Tools.MCPServers))
	if cfg.Server.MaxSessions > 0 {
		fmt.Printf("║  Max sessions    : %-19d ║\n", cfg.Server.MaxSessions)
	} else {
		fmt.Printf("║  Max sessions    : %-19s ║\n", "(unlimited)")
	}
	if cfg.Store.PostgresDSN != "" {
		fmt.Printf("║  History store   : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  History store   : %-19s ║\n", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
