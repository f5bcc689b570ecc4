package config

import (
	"testing"
	"time"

	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CREDENTIAL_SECRET", "cred")
	t.Setenv("JWT_SECRET", "jwt")
	t.Setenv("HOLD_TTL", "")
	t.Setenv("SCAN_MAX_AGE", "")
	t.Setenv("REFUND_USED_POLICY", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.HoldTTL)
	assert.Equal(t, 72*time.Hour, cfg.ScanMaxAge)
	assert.Equal(t, domain.RefundUsedKeepUsed, cfg.RefundUsedPolicy)
	assert.Equal(t, 500, cfg.ScanBatchLimit)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CREDENTIAL_SECRET", "cred")
	t.Setenv("JWT_SECRET", "jwt")
	t.Setenv("HOLD_TTL", "90s")
	t.Setenv("SCAN_BATCH_LIMIT", "20")
	t.Setenv("REFUND_USED_POLICY", "deny")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.HoldTTL)
	assert.Equal(t, 20, cfg.ScanBatchLimit)
	assert.Equal(t, domain.RefundUsedDeny, cfg.RefundUsedPolicy)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("CREDENTIAL_SECRET", "cred")
	t.Setenv("JWT_SECRET", "jwt")
	t.Setenv("REFUND_USED_POLICY", "sometimes")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("REFUND_USED_POLICY", "")
	t.Setenv("CREDENTIAL_SECRET", "")
	_, err = Load()
	assert.Error(t, err)
}
