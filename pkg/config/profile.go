package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aegis-labs/trustcore/pkg/trust"
)

// GovernanceProfile is a tenant-facing configuration profile that tunes
// the trust engine and verification pipeline for a deployment.
type GovernanceProfile struct {
	Name     string         `yaml:"name" json:"name"`
	Code     string         `yaml:"code" json:"code"`
	Trust    TrustConfig    `yaml:"trust" json:"trust"`
	Verifier VerifierConfig `yaml:"verifier" json:"verifier"`
}

// TrustConfig mirrors the tunable knobs of the trust engine.
type TrustConfig struct {
	BaseTaxRate          float64 `yaml:"base_tax_rate" json:"base_tax_rate"`
	DriftPenalty         float64 `yaml:"drift_penalty" json:"drift_penalty"`
	DriftCeiling         float64 `yaml:"drift_ceiling" json:"drift_ceiling"`
	ProbationWindowHours int     `yaml:"probation_window_hours" json:"probation_window_hours"`
	ProbationThreshold   float64 `yaml:"probation_threshold" json:"probation_threshold"`
	MaxRecoveryAttempts  int     `yaml:"max_recovery_attempts" json:"max_recovery_attempts"`
	StakeBase            float64 `yaml:"stake_base" json:"stake_base"`
	StakeMultiplier      float64 `yaml:"stake_multiplier" json:"stake_multiplier"`
}

// VerifierConfig tunes the attestation pipeline per profile.
type VerifierConfig struct {
	TimeoutMs          int     `yaml:"timeout_ms" json:"timeout_ms"`
	ConsensusVoters    int     `yaml:"consensus_voters" json:"consensus_voters"`
	ConsensusThreshold float64 `yaml:"consensus_threshold" json:"consensus_threshold"`
}

// Timeout returns the verifier timeout, or zero when unset.
func (v VerifierConfig) Timeout() time.Duration {
	return time.Duration(v.TimeoutMs) * time.Millisecond
}

// TrustEngineConfig converts the profile's trust section into an engine
// config, filling unset fields with engine defaults.
func (p *GovernanceProfile) TrustEngineConfig() trust.Config {
	cfg := trust.DefaultConfig()
	t := p.Trust
	if t.BaseTaxRate > 0 {
		cfg.BaseTaxRate = t.BaseTaxRate
	}
	if t.DriftPenalty > 0 {
		cfg.DriftPenalty = t.DriftPenalty
	}
	if t.DriftCeiling > 0 {
		cfg.DriftCeiling = t.DriftCeiling
	}
	if t.ProbationWindowHours > 0 {
		cfg.ProbationWindow = time.Duration(t.ProbationWindowHours) * time.Hour
	}
	if t.ProbationThreshold > 0 {
		cfg.ProbationThreshold = t.ProbationThreshold
	}
	if t.MaxRecoveryAttempts > 0 {
		cfg.MaxRecoveryAttempts = t.MaxRecoveryAttempts
	}
	if t.StakeBase > 0 {
		cfg.Stakes.Base = t.StakeBase
	}
	if t.StakeMultiplier > 0 {
		cfg.Stakes.Multiplier = t.StakeMultiplier
	}
	return cfg
}

// LoadProfile loads a governance profile YAML by code.
// It searches the profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*GovernanceProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile GovernanceProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*GovernanceProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*GovernanceProfile, len(matches))
	for _, path := range matches {
		base := filepath.Base(path)
		code := strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		profile, err := LoadProfile(profilesDir, code)
		if err != nil {
			return nil, err
		}
		profiles[profile.Code] = profile
	}

	return profiles, nil
}
