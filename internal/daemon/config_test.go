package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, int64(50), cfg.Ledger.StartingBalance)
	assert.Equal(t, int64(30), cfg.Ledger.StorageBlockMinutes)
	assert.Equal(t, int64(1), cfg.Ledger.SummaryCost)
	assert.Equal(t, 100, cfg.Ledger.HistoryMaxLimit)
	assert.Equal(t, "5s", cfg.Ledger.TxLeakThreshold)
	assert.Equal(t, 4, cfg.Jobs.Workers)
	assert.Equal(t, "4m", cfg.Jobs.Lease)
	assert.Equal(t, 10, cfg.Payments.WebhookMaxAttempts)
	assert.Equal(t, 32000, cfg.AI.MaxTranscriptChars)
	assert.NotEmpty(t, cfg.Payments.Products)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	writeFile(t, filepath.Join(home, "config.toml"), `
[api]
port = 9000

[ledger]
starting_balance = 25

[jobs]
lease = "5m"

[[payments.products]]
id = "starter"
name = "Starter"
price_cents = 300
credits = 60
`)
	t.Setenv("PORT", "7000")
	t.Setenv("JWT_SECRET", "from-env")

	cfg, err := LoadConfig(home)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.API.Port, "PORT overrides the file")
	assert.Equal(t, int64(25), cfg.Ledger.StartingBalance)
	assert.Equal(t, "5m", cfg.Jobs.Lease)
	assert.Equal(t, "2m", cfg.Jobs.Timeout, "unset keys keep defaults")
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	require.Len(t, cfg.Payments.Products, 1)
	assert.Equal(t, "starter", cfg.Payments.Products[0].ID)
}

func TestLoadConfig_DotEnv(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	writeFile(t, filepath.Join(home, ".env"), "AI_API_KEY=sk-test\n")
	// godotenv never overrides a variable that exists, even when empty.
	os.Unsetenv("AI_API_KEY")
	t.Cleanup(func() { os.Unsetenv("AI_API_KEY") })

	cfg, err := LoadConfig(home)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.AI.APIKey)
}

func TestLoadConfig_BadTOML(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	writeFile(t, filepath.Join(home, "config.toml"), "[api\nport = ")
	_, err := LoadConfig(home)
	assert.Error(t, err)
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.Port = 0
	cfg.Ledger.StorageBlockMinutes = 0
	cfg.Jobs.Lease = "soon"
	cfg.Log.Format = "xml"
	cfg.Payments.Products = append(cfg.Payments.Products, cfg.Payments.Products[0])

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"api.port", "storage_block_minutes", "jobs.lease", "log.format", "duplicate id"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_LeaseMustCoverTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Jobs.Timeout = "2m"
	cfg.Jobs.Lease = "2m"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jobs.lease")

	cfg.Jobs.Lease = "4m"
	assert.NoError(t, cfg.Validate())
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 90*time.Second, duration("90s", time.Minute))
	assert.Equal(t, time.Minute, duration("", time.Minute))
	assert.Equal(t, time.Minute, duration("-1s", time.Minute))
}

func TestNew_WiresServices(t *testing.T) {
	clearEnv(t)
	cfg := DefaultConfig()
	cfg.Ledger.TxLeakThreshold = "1s"

	d, err := New(cfg, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	products, err := d.Purchase.Products(context.Background())
	require.NoError(t, err)
	assert.Len(t, products, len(cfg.Payments.Products))

	w := httptest.NewRecorder()
	d.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Jobs.Workers = 0
	_, err := New(cfg, t.TempDir())
	assert.Error(t, err)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PORT", "JWT_SECRET", "ADMIN_KEY", "STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET",
		"AI_API_KEY", "AI_BASE_URL", "AI_MODEL", "LOG_LEVEL", "LOG_FORMAT"} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}
