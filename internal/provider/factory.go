package provider

import (
	"fmt"
	"log/slog"

	"github.com/snowcoder/snow/internal/config"
)

// New builds the adapter selected by cfg.RequestMethod. headers is the
// resolved custom header scheme; usage may be nil when no ledger is
// attached.
func New(cfg config.ModelConfig, headers map[string]string, usage UsageRecorder, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "provider", "method", cfg.RequestMethod)

	switch cfg.RequestMethod {
	case config.MethodChat:
		return NewChat(cfg, headers, usage, logger), nil
	case config.MethodResponses:
		return NewResponses(cfg, headers, usage, logger), nil
	case config.MethodAnthropic:
		return NewAnthropic(cfg, headers, usage, logger), nil
	case config.MethodGemini:
		return NewGemini(cfg, headers, usage, logger)
	default:
		return nil, fmt.Errorf("unknown request method %q", cfg.RequestMethod)
	}
}
