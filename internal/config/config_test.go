package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, int64(1000), cfg.DonationAmount)
	assert.Equal(t, "donate_1000won", cfg.AndroidProductID)
	assert.Equal(t, BillingModeSimulated, cfg.BillingMode)
	assert.Equal(t, StoreBackendGorm, cfg.StoreBackend)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.RetryDelay())
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)
	assert.Equal(t, 10*time.Second, cfg.ReceiptValidationTimeout())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("BILLING_MODE", "store")
	t.Setenv("DONATION_AMOUNT", "5000")
	t.Setenv("RETRY_DELAY_MS", "250")
	t.Setenv("IOS_PRODUCT_ID", "com.example.donate")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BillingModeStore, cfg.BillingMode)
	assert.Equal(t, int64(5000), cfg.DonationAmount)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay())
	assert.Equal(t, "com.example.donate", cfg.ProductIDFor("ios"))
	assert.Equal(t, "donate_1000won", cfg.ProductIDFor("android"))
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"billing mode", "BILLING_MODE", "paypal"},
		{"store backend", "STORE_BACKEND", "mongo"},
		{"platform", "SIMULATED_PLATFORM", "web"},
		{"amount", "DONATION_AMOUNT", "0"},
		{"retries", "MAX_RETRIES", "0"},
		{"multiplier", "BACKOFF_MULTIPLIER", "0.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_SupabaseRequiresCredentials(t *testing.T) {
	t.Setenv("STORE_BACKEND", "supabase")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("SUPABASE_URL", "https://example.supabase.co")
	t.Setenv("SUPABASE_KEY", "anon")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreBackendSupabase, cfg.StoreBackend)
}
