package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_DRIVER", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("VERIFIER_TIMEOUT", "")

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.DatabaseDriver)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, 5*time.Second, cfg.VerifierTimeout)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("VERIFIER_TIMEOUT", "750ms")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Contains(t, cfg.DatabaseURL, "postgres://")
	assert.Equal(t, 750*time.Millisecond, cfg.VerifierTimeout)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestLoadIgnoresInvalidTimeout(t *testing.T) {
	t.Setenv("VERIFIER_TIMEOUT", "not-a-duration")

	cfg := Load()
	assert.Equal(t, 5*time.Second, cfg.VerifierTimeout)
}

const strictProfile = `
name: Strict Enforcement
code: strict
trust:
  base_tax_rate: 0.15
  drift_ceiling: 0.15
  probation_window_hours: 48
  probation_threshold: 0.8
  max_recovery_attempts: 2
  stake_base: 250
  stake_multiplier: 3
verifier:
  timeout_ms: 2000
  consensus_voters: 15
  consensus_threshold: 0.8
`

func writeProfile(t *testing.T, dir, code, body string) {
	t.Helper()
	path := filepath.Join(dir, "profile_"+code+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "strict", strictProfile)

	profile, err := LoadProfile(dir, "STRICT")
	require.NoError(t, err)
	assert.Equal(t, "strict", profile.Code)
	assert.Equal(t, 0.15, profile.Trust.BaseTaxRate)
	assert.Equal(t, 2*time.Second, profile.Verifier.Timeout())
	assert.Equal(t, 15, profile.Verifier.ConsensusVoters)
}

func TestLoadProfileMissing(t *testing.T) {
	_, err := LoadProfile(t.TempDir(), "nope")
	require.Error(t, err)
}

func TestLoadProfileBadYAML(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "bad", "trust: [not a map")

	_, err := LoadProfile(dir, "bad")
	require.Error(t, err)
}

func TestTrustEngineConfigOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "strict", strictProfile)

	profile, err := LoadProfile(dir, "strict")
	require.NoError(t, err)

	cfg := profile.TrustEngineConfig()
	assert.Equal(t, 0.15, cfg.BaseTaxRate)
	assert.Equal(t, 48*time.Hour, cfg.ProbationWindow)
	assert.Equal(t, 2, cfg.MaxRecoveryAttempts)
	assert.Equal(t, 250.0, cfg.Stakes.Base)
	assert.Equal(t, 3.0, cfg.Stakes.Multiplier)
	// Unset fields keep engine defaults.
	assert.Equal(t, 0.10, cfg.DriftPenalty)
}

func TestTrustEngineConfigEmptyProfileIsDefaults(t *testing.T) {
	p := &GovernanceProfile{}
	cfg := p.TrustEngineConfig()
	assert.Equal(t, 0.10, cfg.BaseTaxRate)
	assert.Equal(t, 24*time.Hour, cfg.ProbationWindow)
	assert.Equal(t, 0.70, cfg.ProbationThreshold)
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "strict", strictProfile)
	writeProfile(t, dir, "lenient", "name: Lenient\ncode: lenient\n")

	profiles, err := LoadAllProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Contains(t, profiles, "strict")
	assert.Contains(t, profiles, "lenient")
}
