package api

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"
)

// Alpha is the significance level applied to every replicate test.
const Alpha = 0.05

// Method selects the estimator used to analyse each simulated experiment.
type Method string

const (
	// MethodOLS is ordinary least squares. Order-level runs use cluster-robust
	// standard errors; aggregated runs use the classical covariance.
	MethodOLS Method = "ols"
	// MethodMLM is a linear mixed model with a random intercept per
	// region-time cluster. Order level only.
	MethodMLM Method = "mlm"
)

// Methods lists the supported estimator names.
func Methods() []Method {
	return []Method{MethodOLS, MethodMLM}
}

// Config describes one simulation run.
type Config struct {
	TimeVar     string   `json:"time_var" yaml:"time_var" validate:"required"`
	LocationVar string   `json:"location_var" yaml:"location_var" validate:"required"`
	OutcomeVar  string   `json:"outcome_var" yaml:"outcome_var" validate:"required"`
	ControlVars []string `json:"control_vars,omitempty" yaml:"control_vars,omitempty" validate:"dive,required"`

	// Frequency is a period alias such as "D", "H" or "15min".
	Frequency string `json:"frequency" yaml:"frequency" validate:"required"`

	MDE    float64 `json:"mde" yaml:"mde" validate:"gt=0"`
	Sims   int     `json:"sims" yaml:"sims" validate:"gt=0"`
	Method Method  `json:"method" yaml:"method"`
	Agg    bool    `json:"agg" yaml:"agg"`

	// Seed fixes the random streams. Zero draws a fresh seed per run.
	Seed uint64 `json:"seed,omitempty" yaml:"seed,omitempty"`

	// Workers bounds replicate parallelism. Zero means one per CPU.
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty" validate:"gte=0"`
}

// DefaultConfig returns the documented defaults: MDE 1.01, 100 replicates,
// order-level OLS. Column names and frequency must still be set.
func DefaultConfig() Config {
	return Config{
		MDE:    1.01,
		Sims:   100,
		Method: MethodOLS,
		Agg:    false,
	}
}

// Fingerprint identifies the run for caching. Runs without a fixed seed are
// not reproducible and return an empty fingerprint.
func (c Config) Fingerprint(datasetID string) string {
	if c.Seed == 0 {
		return ""
	}
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%d|%s|%t|%d",
		datasetID,
		c.TimeVar, c.LocationVar, c.OutcomeVar, strings.Join(c.ControlVars, ","),
		c.Frequency,
		formatFloat(c.MDE), c.Sims, c.Method, c.Agg, c.Seed,
	)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%.12g", f)
}

// ConfigError reports an unsupported configuration. It is raised before any
// randomization or model fitting happens.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Summary is the outcome of a simulation run.
type Summary struct {
	RunID     string  `json:"run_id" yaml:"run_id"`
	Method    Method  `json:"method" yaml:"method"`
	Agg       bool    `json:"agg" yaml:"agg"`
	MDE       float64 `json:"mde" yaml:"mde"`
	Frequency string  `json:"frequency" yaml:"frequency"`
	Seed      uint64  `json:"seed" yaml:"seed"`

	Sims       int     `json:"sims" yaml:"sims"`
	TypeIError float64 `json:"type_i_error" yaml:"type_i_error"` // share of A/A replicates with p < Alpha
	Power      float64 `json:"power" yaml:"power"`               // share of A/B replicates with p < Alpha

	// Degenerate counts replicates whose draw put every cluster in one arm.
	Degenerate int `json:"degenerate" yaml:"degenerate"`
	Rows       int `json:"rows" yaml:"rows"`
	Clusters   int `json:"clusters" yaml:"clusters"`

	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// Pair returns (Type I error rate, power).
func (s *Summary) Pair() (float64, float64) {
	return s.TypeIError, s.Power
}

// CalibrationGap is |TypeIError - Alpha|.
func (s *Summary) CalibrationGap() float64 {
	return math.Abs(s.TypeIError - Alpha)
}
