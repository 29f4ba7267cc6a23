// Package grid evaluates several analysis strategies on one dataset and
// ranks them by calibration and power.
package grid

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fractal-lba/switchback/internal/api"
	"github.com/fractal-lba/switchback/internal/simulation"
)

// DefaultTolerance is the largest |Type I error - alpha| a scenario may show
// and still count as calibrated.
const DefaultTolerance = 0.02

// Scenario is one analysis strategy to evaluate.
type Scenario struct {
	Name   string     `json:"name" yaml:"name"`
	Method api.Method `json:"method" yaml:"method"`
	Agg    bool       `json:"agg" yaml:"agg"`
	// MDE overrides the plan's base MDE when non-zero.
	MDE float64 `json:"mde,omitempty" yaml:"mde,omitempty"`
}

// Plan is a set of scenarios sharing a dataset and base configuration.
type Plan struct {
	Base      api.Config `json:"base" yaml:"base"`
	Tolerance float64    `json:"tolerance" yaml:"tolerance"`
	Scenarios []Scenario `json:"scenarios" yaml:"scenarios"`
}

// DefaultScenarios covers every supported strategy.
func DefaultScenarios() []Scenario {
	return []Scenario{
		{Name: "clustered-ols", Method: api.MethodOLS},
		{Name: "aggregated-ols", Method: api.MethodOLS, Agg: true},
		{Name: "mixed-model", Method: api.MethodMLM},
	}
}

// ParsePlan decodes a YAML plan. Missing base fields keep their
// api.DefaultConfig values, a plan without scenarios gets DefaultScenarios
// and unnamed scenarios are named after their strategy.
func ParsePlan(data []byte) (*Plan, error) {
	plan := &Plan{Base: api.DefaultConfig(), Tolerance: DefaultTolerance}
	if err := yaml.Unmarshal(data, plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if len(plan.Scenarios) == 0 {
		plan.Scenarios = DefaultScenarios()
	}
	for i := range plan.Scenarios {
		if plan.Scenarios[i].Name == "" {
			plan.Scenarios[i].Name = plan.Scenarios[i].strategy()
		}
	}
	return plan, nil
}

func (s Scenario) strategy() string {
	if s.Agg {
		return string(s.Method) + "-agg"
	}
	return string(s.Method)
}

// LoadPlan reads and decodes a YAML plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return ParsePlan(data)
}

// Config returns the run configuration of scenario s.
func (p *Plan) Config(s Scenario) api.Config {
	cfg := p.Base
	cfg.Method = s.Method
	cfg.Agg = s.Agg
	if s.MDE != 0 {
		cfg.MDE = s.MDE
	}
	return cfg
}

// Validate checks every scenario, and reports all invalid ones together.
func (p *Plan) Validate() error {
	if p.Tolerance < 0 || p.Tolerance > 1 {
		return &api.ConfigError{Field: "tolerance", Reason: fmt.Sprintf("must be in [0, 1], got %v", p.Tolerance)}
	}
	if len(p.Scenarios) == 0 {
		return &api.ConfigError{Field: "scenarios", Reason: "plan has no scenarios"}
	}

	var errs []error
	seen := make(map[string]bool, len(p.Scenarios))
	for _, s := range p.Scenarios {
		name := s.Name
		if name == "" {
			name = s.strategy()
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("scenario %s: %w", name, &api.ConfigError{Field: "name", Reason: "duplicate scenario name"}))
			continue
		}
		seen[name] = true
		if _, err := simulation.Validate(p.Config(s)); err != nil {
			errs = append(errs, fmt.Errorf("scenario %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
