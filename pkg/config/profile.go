package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is the tunable policy surface of one deployment: lane
// throttles, review sampling rates, anomaly thresholds and lease TTLs.
// Everything here has a safe default so a missing profile file runs the
// runtime with stock policy.
type Profile struct {
	Name     string                 `yaml:"name" json:"name"`
	Lanes    map[string]LaneProfile `yaml:"lanes,omitempty" json:"lanes,omitempty"`
	Sampling SamplingProfile        `yaml:"sampling" json:"sampling"`
	Anomaly  AnomalyProfile         `yaml:"anomaly" json:"anomaly"`
	Leases   LeaseProfile           `yaml:"leases" json:"leases"`
}

// LaneProfile throttles one command lane.
type LaneProfile struct {
	PerSecond float64 `yaml:"per_second" json:"per_second"`
	Burst     int     `yaml:"burst" json:"burst"`
}

// SamplingProfile sets the per-risk review rates in basis points.
type SamplingProfile struct {
	LowBps    int `yaml:"low_bps" json:"low_bps"`
	MediumBps int `yaml:"medium_bps" json:"medium_bps"`
	HighBps   int `yaml:"high_bps" json:"high_bps"`
}

// AnomalyProfile configures the built-in adjudication predicates. A
// zero threshold leaves that predicate unarmed.
type AnomalyProfile struct {
	MaxAmountMinor        int64 `yaml:"max_amount_minor" json:"max_amount_minor"`
	MaxScopeDefaults      int   `yaml:"max_scope_defaults" json:"max_scope_defaults"`
	MaxOutcomes           int   `yaml:"max_outcomes" json:"max_outcomes"`
	VelocityWindowSeconds int   `yaml:"velocity_window_seconds" json:"velocity_window_seconds"`
	// CelRules maps rule names to CEL expressions evaluated after the
	// built-in predicates.
	CelRules map[string]string `yaml:"cel_rules,omitempty" json:"cel_rules,omitempty"`
}

// VelocityWindow returns the velocity predicate's window.
func (a AnomalyProfile) VelocityWindow() time.Duration {
	return time.Duration(a.VelocityWindowSeconds) * time.Second
}

// LeaseProfile configures worker lease expiry.
type LeaseProfile struct {
	TTLSeconds int `yaml:"ttl_seconds" json:"ttl_seconds"`
}

// TTL returns the lease time-to-live.
func (l LeaseProfile) TTL() time.Duration {
	return time.Duration(l.TTLSeconds) * time.Second
}

// DefaultProfile is the stock policy: review rates of 0/5%/100% by
// risk, no anomaly predicates armed, 120s leases, unthrottled lanes.
func DefaultProfile() *Profile {
	return &Profile{
		Name: "default",
		Sampling: SamplingProfile{
			LowBps:    0,
			MediumBps: 500,
			HighBps:   10000,
		},
		Leases: LeaseProfile{TTLSeconds: 120},
	}
}

// LoadProfile reads a YAML profile, filling unset fields from the
// defaults. An empty path returns the defaults untouched.
func LoadProfile(path string) (*Profile, error) {
	profile := DefaultProfile()
	if path == "" {
		return profile, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}

	if profile.Leases.TTLSeconds <= 0 {
		profile.Leases.TTLSeconds = 120
	}
	if profile.Sampling.HighBps == 0 && profile.Sampling.MediumBps == 0 && profile.Sampling.LowBps == 0 {
		profile.Sampling = DefaultProfile().Sampling
	}
	return profile, nil
}
