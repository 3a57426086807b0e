package app

import (
	"context"
	"fmt"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/vad"
	"github.com/MrWong99/parley/pkg/provider/vision"
)

// healthURLOption is the provider option naming an HTTP endpoint probed by
// /readyz.
const healthURLOption = "health_url"

// Providers holds one interface value per pipeline stage. Vision is optional;
// the others are required. Populated by main.go via [BuildProviders].
type Providers struct {
	VAD    vad.Provider
	STT    stt.Provider
	LLM    llm.Provider
	TTS    tts.Provider
	Vision vision.Provider

	// Checks probe the external services behind the providers. They are
	// served on /readyz.
	Checks []health.Checker
}

func (p *Providers) pipeline() pipeline.Providers {
	return pipeline.Providers{
		VAD:    p.VAD,
		STT:    p.STT,
		LLM:    p.LLM,
		TTS:    p.TTS,
		Vision: p.Vision,
	}
}

// fallbackAdder is implemented by the resilience fallback wrappers.
type fallbackAdder[T any] interface {
	AddFallback(name string, provider T)
}

// BuildProviders instantiates every configured provider through reg. Entries
// with fallbacks are wrapped in the matching resilience group, one circuit
// breaker per entry.
func BuildProviders(reg *config.Registry, cfg config.ProvidersConfig) (*Providers, error) {
	b := &providerBuilder{
		fallback: resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.CircuitBreaker.MaxFailures,
			ResetTimeout: cfg.CircuitBreaker.ResetTimeout,
			HalfOpenMax:  cfg.CircuitBreaker.HalfOpenMax,
		}},
	}
	p := &Providers{}
	var err error

	if p.VAD, err = build(b, "vad", cfg.VAD, reg.CreateVAD, resilience.NewVADFallback); err != nil {
		return nil, err
	}
	if p.STT, err = build(b, "stt", cfg.STT, reg.CreateSTT, resilience.NewSTTFallback); err != nil {
		return nil, err
	}
	if p.LLM, err = build(b, "llm", cfg.LLM, reg.CreateLLM, resilience.NewLLMFallback); err != nil {
		return nil, err
	}
	if p.TTS, err = build(b, "tts", cfg.TTS, reg.CreateTTS, resilience.NewTTSFallback); err != nil {
		return nil, err
	}
	if cfg.Vision.Configured() {
		if p.Vision, err = build(b, "vision", cfg.Vision, reg.CreateVision, resilience.NewVisionFallback); err != nil {
			return nil, err
		}
	}

	p.Checks = b.checks
	return p, nil
}

type providerBuilder struct {
	fallback resilience.FallbackConfig
	checks   []health.Checker
}

// build creates the provider for entry and its fallbacks. A bare provider is
// returned when there are no fallbacks.
func build[T any, F fallbackAdder[T]](
	b *providerBuilder,
	kind string,
	entry config.ProviderEntry,
	create func(config.ProviderEntry) (T, error),
	group func(primary T, primaryName string, cfg resilience.FallbackConfig) F,
) (T, error) {
	var zero T
	if !entry.Configured() {
		return zero, fmt.Errorf("app: providers.%s is not configured", kind)
	}

	primary, err := create(entry)
	if err != nil {
		return zero, err
	}
	b.observe(kind, entry, primary)
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}

	fbCfg := b.fallback
	fbCfg.CircuitBreaker.OnStateChange = breakerObserver(kind)
	fg := group(primary, entry.Name, fbCfg)
	for _, fbEntry := range entry.Fallbacks {
		fb, err := create(fbEntry)
		if err != nil {
			return zero, fmt.Errorf("app: %s fallback: %w", kind, err)
		}
		b.observe(kind, fbEntry, fb)
		fg.AddFallback(fbEntry.Name, fb)
	}
	wrapped, ok := any(fg).(T)
	if !ok {
		return zero, fmt.Errorf("app: %s fallback group does not implement the provider interface", kind)
	}
	return wrapped, nil
}

// breakerObserver counts breaker transitions for one provider kind.
func breakerObserver(kind string) resilience.StateChangeFunc {
	return func(name string, _, to resilience.State) {
		observe.DefaultMetrics().RecordBreakerTransition(context.Background(), kind, name, to.String())
	}
}

// observe registers readiness checks for p: its own Ping when it has one, and
// the health_url option when set.
func (b *providerBuilder) observe(kind string, entry config.ProviderEntry, p any) {
	name := kind + "/" + entry.Name
	if pinger, ok := p.(health.Pinger); ok {
		b.checks = append(b.checks, health.PingCheck(name, pinger))
	}
	if u := entry.OptionString(healthURLOption, ""); u != "" {
		b.checks = append(b.checks, health.HTTPCheck(name+"/http", u, nil))
	}
}
