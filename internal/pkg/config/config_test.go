package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/entitlements"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/env"
)

func withEnv(t *testing.T, values map[string]string) {
	t.Helper()
	prev := env.Env
	env.Env = values
	t.Cleanup(func() { env.Env = prev })
}

func TestLoadDefaults(t *testing.T) {
	withEnv(t, map[string]string{"GATE_SERVICE_TOKEN": "0123456789abcdef"})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.AppPort)
	assert.Equal(t, entitlements.PolicyProduction, cfg.EntitlementPolicy)
	assert.False(t, cfg.Policy().Permissive)
	assert.Equal(t, 30*time.Second, cfg.DeferredRedriveInterval)
	assert.Equal(t, 8, cfg.DeferredMaxAttempts)
	assert.False(t, cfg.Archive.Enabled)
}

func TestLoadPermissivePolicy(t *testing.T) {
	withEnv(t, map[string]string{
		"GATE_SERVICE_TOKEN":        "0123456789abcdef",
		"ENTITLEMENT_POLICY":        "Permissive",
		"DEFERRED_REDRIVE_INTERVAL": "5s",
		"APP_PORT":                  "8080",
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Policy().Permissive)
	assert.Equal(t, 5*time.Second, cfg.DeferredRedriveInterval)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
	}{
		{"missing token", map[string]string{}},
		{"short token", map[string]string{"GATE_SERVICE_TOKEN": "short"}},
		{"unknown policy", map[string]string{"GATE_SERVICE_TOKEN": "0123456789abcdef", "ENTITLEMENT_POLICY": "lenient"}},
		{"archive without bucket", map[string]string{"GATE_SERVICE_TOKEN": "0123456789abcdef", "S3_ARCHIVE_ENABLED": "true"}},
		{"port out of range", map[string]string{"GATE_SERVICE_TOKEN": "0123456789abcdef", "APP_PORT": "70000"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.values)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadArchive(t *testing.T) {
	withEnv(t, map[string]string{
		"S3_ARCHIVE_ENABLED": "true",
		"S3_BUCKET":          "billing-audit",
		"S3_REGION":          "eu-central-1",
		"S3_PATH_STYLE":      "true",
		"S3_ARCHIVE_AFTER":   "168h",
	})

	cfg, err := LoadArchive()
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.True(t, cfg.PathStyle)
	assert.Equal(t, "billing-audit", cfg.Bucket)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention)

	withEnv(t, map[string]string{"S3_ARCHIVE_ENABLED": "true", "S3_BUCKET": "billing-audit"})
	_, err = LoadArchive()
	assert.Error(t, err)
}
