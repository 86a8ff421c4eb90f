package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("REMINDER_AFTER", "")
	t.Setenv("AUTO_DISPUTE_AFTER", "")
	t.Setenv("SWEEP_INTERVAL", "")
	t.Setenv("KAFKA_BROKERS", "")

	cfg, err := fromEnv()
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, "./orders.db", cfg.DBPath)
	assert.Equal(t, 6*time.Hour, cfg.ReminderAfter)
	assert.Equal(t, 24*time.Hour, cfg.AutoDisputeAfter)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_DRIVER", "pgx")
	t.Setenv("DATABASE_URL", "postgres://localhost/orders")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("COMMISSION_PERCENT", "2.5")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := fromEnv()
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/orders", cfg.DBPath)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "2.5", cfg.CommissionPercent)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing jwt secret", map[string]string{"JWT_SECRET": ""}},
		{"unknown driver", map[string]string{"DB_DRIVER": "mysql"}},
		{"pgx without url", map[string]string{"DB_DRIVER": "pgx", "DATABASE_URL": ""}},
		{"bad duration", map[string]string{"REMINDER_AFTER": "soon"}},
		{"dispute before reminder", map[string]string{"REMINDER_AFTER": "2h", "AUTO_DISPUTE_AFTER": "1h"}},
		{"bad workers", map[string]string{"NOTIFY_WORKERS": "-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "secret")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := fromEnv()
			assert.Error(t, err)
		})
	}
}
