package payments

import (
	"github.com/creatormarket/escrow/internal/config"
	"go.uber.org/zap"
)

// FromConfig builds the configured provider wrapped in bounded retries.
func FromConfig(cfg *config.Config, log *zap.Logger) *Retrying {
	var p Provider
	switch cfg.PaymentProvider {
	case config.ProviderStripe:
		p = NewStripeProvider(cfg.StripeSecretKey, cfg.SupportedCurrencies, log)
	default:
		p = NewSandbox(cfg.SupportedCurrencies)
	}
	log.Info("payment provider configured", zap.String("provider", p.Name()), zap.Int("max_retries", cfg.ProviderMaxRetries))
	return NewRetrying(p, cfg.ProviderMaxRetries, log)
}
