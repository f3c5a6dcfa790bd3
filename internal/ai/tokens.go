package ai

import "github.com/olegiv/weblog-scanner/internal/logging"

// TokenLimits bounds the output-token cap sent to a provider.
// Floor is the size a full findings report needs; Ceiling is the
// provider's documented maximum.
type TokenLimits struct {
	Floor   int
	Ceiling int
}

var (
	geminiTokenLimits     = TokenLimits{Floor: 2048, Ceiling: 65536}
	openRouterTokenLimits = TokenLimits{Floor: 2048, Ceiling: 32768}
	anthropicTokenLimits  = TokenLimits{Floor: 2048, Ceiling: 64000}
)

// ClampMaxTokens returns configured clamped to [limits.Floor, limits.Ceiling].
func ClampMaxTokens(configured int, limits TokenLimits) int {
	switch {
	case configured > limits.Ceiling:
		return limits.Ceiling
	case configured < limits.Floor:
		return limits.Floor
	}
	return configured
}

// clampMaxTokensLogged clamps and tells the operator when the configured
// value was not used.
func clampMaxTokensLogged(log *logging.SecureLogger, name string, configured int, limits TokenLimits) int {
	effective := ClampMaxTokens(configured, limits)
	switch {
	case configured > limits.Ceiling:
		log.Warn().
			Int("configured", configured).
			Int("effective", effective).
			Msgf("%s max output tokens exceeds the provider maximum, using the maximum", name)
	case configured < limits.Floor:
		log.Info().
			Int("configured", configured).
			Int("effective", effective).
			Msgf("%s max output tokens below the recommended minimum, raising it", name)
	}
	return effective
}
