package trust

import "time"

// StakeSchedule is the escalation curve for recovery stakes. The engine
// consumes it; it never computes its own curve.
type StakeSchedule struct {
	Base       float64 `yaml:"base" json:"base"`
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
}

// Required returns the stake for a given attempt number (1-based).
func (s StakeSchedule) Required(attempt int) float64 {
	stake := s.Base
	for i := 1; i < attempt; i++ {
		stake *= s.Multiplier
	}
	return stake
}

// Config tunes the lifecycle state machine. Zero values are replaced by
// defaults in Normalize.
type Config struct {
	BaseTaxRate         float64       `yaml:"base_tax_rate" json:"base_tax_rate"`
	DriftPenalty        float64       `yaml:"drift_penalty" json:"drift_penalty"`
	DriftCeiling        float64       `yaml:"drift_ceiling" json:"drift_ceiling"`
	ProbationWindow     time.Duration `yaml:"probation_window" json:"probation_window"`
	ProbationThreshold  float64       `yaml:"probation_threshold" json:"probation_threshold"`
	MaxRecoveryAttempts int           `yaml:"max_recovery_attempts" json:"max_recovery_attempts"`
	Stakes              StakeSchedule `yaml:"stakes" json:"stakes"`
}

// DefaultConfig mirrors the platform's governance defaults.
func DefaultConfig() Config {
	return Config{
		BaseTaxRate:         0.10,
		DriftPenalty:        0.10,
		DriftCeiling:        0.20,
		ProbationWindow:     24 * time.Hour,
		ProbationThreshold:  0.70,
		MaxRecoveryAttempts: 3,
		Stakes:              StakeSchedule{Base: 100, Multiplier: 2.0},
	}
}

// Normalize fills zero fields with defaults.
func (c Config) Normalize() Config {
	d := DefaultConfig()
	if c.BaseTaxRate == 0 {
		c.BaseTaxRate = d.BaseTaxRate
	}
	if c.DriftPenalty == 0 {
		c.DriftPenalty = d.DriftPenalty
	}
	if c.DriftCeiling == 0 {
		c.DriftCeiling = d.DriftCeiling
	}
	if c.ProbationWindow == 0 {
		c.ProbationWindow = d.ProbationWindow
	}
	if c.ProbationThreshold == 0 {
		c.ProbationThreshold = d.ProbationThreshold
	}
	if c.MaxRecoveryAttempts == 0 {
		c.MaxRecoveryAttempts = d.MaxRecoveryAttempts
	}
	if c.Stakes.Base == 0 {
		c.Stakes.Base = d.Stakes.Base
	}
	if c.Stakes.Multiplier == 0 {
		c.Stakes.Multiplier = d.Stakes.Multiplier
	}
	return c
}

// Tax computes the economic penalty for one transaction at a given trust
// level.
func (c Config) Tax(level, transactionValue float64) float64 {
	return (1 - clamp01(level)) * c.BaseTaxRate * transactionValue
}
