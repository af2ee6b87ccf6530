package config_test

import (
	"GoldLedger/internal/config"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, 2*time.Second, cfg.Posting.Timeout)
	assert.Equal(t, 100000, cfg.Posting.IdempotencyCapacity)
	assert.Equal(t, 5, cfg.Worker.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Reconciler.Grace)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.True(t, cfg.NATS.Enabled)
	assert.True(t, cfg.Migrations.AutoUp)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("GOLDLEDGER_STORE_DRIVER", "memory")
	t.Setenv("GOLDLEDGER_POSTING_TIMEOUT", "750ms")
	t.Setenv("GOLDLEDGER_WORKER_COUNT", "8")
	t.Setenv("GOLDLEDGER_NATS_ENABLED", "false")
	t.Setenv("GOLDLEDGER_DOCUMENTS_BASE_URI", "https://docs.example.com")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 750*time.Millisecond, cfg.Posting.Timeout)
	assert.Equal(t, 8, cfg.Worker.Count)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, "https://docs.example.com", cfg.Documents.BaseURI)
}

func TestLoad_Rejects(t *testing.T) {
	cases := []struct {
		name, key, value string
	}{
		{"unknown driver", "GOLDLEDGER_STORE_DRIVER", "sqlite"},
		{"zero timeout", "GOLDLEDGER_POSTING_TIMEOUT", "0s"},
		{"no attempts", "GOLDLEDGER_WORKER_MAX_ATTEMPTS", "0"},
		{"backoff inverted", "GOLDLEDGER_WORKER_INITIAL_BACKOFF", "1m"},
		{"malformed duration", "GOLDLEDGER_RECONCILER_INTERVAL", "soon"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}
