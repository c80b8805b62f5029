package config

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTO_APPROVE_GRACE_SECONDS", "")
	t.Setenv("PLATFORM_FEE_BPS", "")
	t.Setenv("WEBHOOK_TOLERANCE_SECONDS", "")
	t.Setenv("SUPPORTED_CURRENCIES", "")

	cfg := Load()
	if cfg.AutoApproveGrace != 0 {
		t.Errorf("AutoApproveGrace = %v, want disabled", cfg.AutoApproveGrace)
	}
	if cfg.PlatformFeeBPS != 0 {
		t.Errorf("PlatformFeeBPS = %d, want 0", cfg.PlatformFeeBPS)
	}
	if cfg.WebhookTolerance != 5*time.Minute {
		t.Errorf("WebhookTolerance = %v, want 5m", cfg.WebhookTolerance)
	}
	if !cfg.IsSupportedCurrency("usd") {
		t.Error("usd should be supported by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AUTO_APPROVE_GRACE_SECONDS", "3600")
	t.Setenv("SUPPORTED_CURRENCIES", " USD , jpy,")
	t.Setenv("PAYMENT_PROVIDER", "Stripe")
	t.Setenv("PROVIDER_MAX_RETRIES", "not-a-number")

	cfg := Load()
	if cfg.AutoApproveGrace != time.Hour {
		t.Errorf("AutoApproveGrace = %v, want 1h", cfg.AutoApproveGrace)
	}
	if got := cfg.SupportedCurrencies; len(got) != 2 || got[0] != "usd" || got[1] != "jpy" {
		t.Errorf("SupportedCurrencies = %v", got)
	}
	if cfg.PaymentProvider != ProviderStripe {
		t.Errorf("PaymentProvider = %q", cfg.PaymentProvider)
	}
	if cfg.ProviderMaxRetries != 3 {
		t.Errorf("ProviderMaxRetries = %d, want fallback 3", cfg.ProviderMaxRetries)
	}
}

func TestValidateClampsFee(t *testing.T) {
	cfg := &Config{PaymentProvider: "paypal", PlatformFeeBPS: 20000}
	cfg.Validate(zap.NewNop())
	if cfg.PlatformFeeBPS != 0 {
		t.Errorf("PlatformFeeBPS = %d, want 0", cfg.PlatformFeeBPS)
	}
	if cfg.PaymentProvider != ProviderSandbox {
		t.Errorf("PaymentProvider = %q, want sandbox", cfg.PaymentProvider)
	}
}
