package ai

import (
	"context"
	"time"

	"github.com/olegiv/weblog-scanner/internal/audit"
	"github.com/olegiv/weblog-scanner/internal/logging"
)

// noResultMessage is reported when a provider hands back nothing at all.
const noResultMessage = "API call returned no result or an unrecoverable error."

// RouterConfig selects and configures the active provider.
type RouterConfig struct {
	Provider   string
	Gemini     ClientConfig
	OpenRouter OpenRouterConfig
	Anthropic  ClientConfig

	// Audit and Logger are shared by the selected client unless its own
	// config sets them.
	Audit  audit.Recorder
	Logger *logging.SecureLogger
}

// providerConstructors maps each provider type to its client constructor.
var providerConstructors = map[ProviderType]func(cfg RouterConfig) Provider{
	ProviderGemini: func(cfg RouterConfig) Provider {
		return NewGeminiClient(inherit(cfg.Gemini, cfg))
	},
	ProviderOpenRouter: func(cfg RouterConfig) Provider {
		orCfg := cfg.OpenRouter
		orCfg.ClientConfig = inherit(orCfg.ClientConfig, cfg)
		return NewOpenRouterClient(orCfg)
	},
	ProviderAnthropic: func(cfg RouterConfig) Provider {
		return NewAnthropicClient(inherit(cfg.Anthropic, cfg))
	},
}

func inherit(c ClientConfig, cfg RouterConfig) ClientConfig {
	if c.Audit == nil {
		c.Audit = cfg.Audit
	}
	if c.Logger == nil {
		c.Logger = cfg.Logger
	}
	return c
}

// Router exposes one provider-agnostic analysis call.
type Router struct {
	providerType ProviderType
	provider     Provider
	err          error
	log          *logging.SecureLogger
	now          func() time.Time
}

// NewRouter builds the client named by cfg.Provider. An unknown provider
// does not fail construction: it is kept as Err and every Analyze call
// returns a configuration error Result.
func NewRouter(cfg RouterConfig) *Router {
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}

	r := &Router{log: log, now: time.Now}

	pt, err := ParseProviderType(cfg.Provider)
	if err != nil {
		r.err = err
		log.Error().Err(err).Msg("AI provider configuration error")
		return r
	}

	r.providerType = pt
	r.provider = providerConstructors[pt](cfg)
	log.Info().
		Str("provider", r.provider.GetProviderName()).
		Interface("model", r.provider.GetModelInfo()["model"]).
		Msg("AI provider selected")
	return r
}

// NewRouterWithProvider wraps an existing provider.
func NewRouterWithProvider(p Provider, log *logging.SecureLogger) *Router {
	if log == nil {
		log = logging.Nop()
	}
	return &Router{provider: p, log: log, now: time.Now}
}

// Err returns the construction error, if any.
func (r *Router) Err() error {
	return r.err
}

// ProviderType returns the selected provider type.
func (r *Router) ProviderType() ProviderType {
	return r.providerType
}

// Provider returns the selected provider, or nil after a construction error.
func (r *Router) Provider() Provider {
	return r.provider
}

// ProviderName returns a display name for reports.
func (r *Router) ProviderName() string {
	if r.provider == nil {
		return "unconfigured"
	}
	return r.provider.GetProviderName()
}

// Analyze dispatches req to the selected provider. It always returns a
// Result with log type and timestamp set.
func (r *Router) Analyze(ctx context.Context, req *Request) (result *Result) {
	if req == nil {
		result = Failf(ErrorKindInternal, "no analysis request")
		stampResult(result, "", r.now())
		return result
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = Failf(ErrorKindInternal, "Unknown error during API call: %v", rec)
		}
		stampResult(result, req.LogType, r.now())
	}()

	if r.provider == nil {
		msg := "no AI provider configured"
		if r.err != nil {
			msg = r.err.Error()
		}
		return Failf(ErrorKindConfiguration, "%s", msg)
	}

	result = r.provider.Call(ctx, req)
	if result == nil {
		r.log.Error().Str("log_type", req.LogType).Msg(noResultMessage)
		return Failf(ErrorKindInternal, noResultMessage)
	}
	return result
}
