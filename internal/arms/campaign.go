package arms

import (
	"fmt"
	"time"
)

// PrimaryKPI is the objective a campaign is optimized toward.
type PrimaryKPI string

const (
	KPIRoas        PrimaryKPI = "ROAS"
	KPICPA         PrimaryKPI = "CPA"
	KPIRevenue     PrimaryKPI = "Revenue"
	KPIConversions PrimaryKPI = "Conversions"
)

// Status is a Campaign's lifecycle state.
type Status string

const (
	StatusDraft     Status = "Draft"
	StatusActive    Status = "Active"
	StatusPaused    Status = "Paused"
	StatusCompleted Status = "Completed"
	StatusErrored   Status = "Errored"
)

// transitions enumerates every legal Status -> Status edge. Completed is
// terminal. Errored is terminal except for the manual reset back to Paused
// (spec: "manually resettable").
var transitions = map[Status]map[Status]bool{
	StatusDraft:     {StatusActive: true},
	StatusActive:    {StatusPaused: true, StatusCompleted: true, StatusErrored: true},
	StatusPaused:    {StatusActive: true, StatusCompleted: true, StatusErrored: true},
	StatusCompleted: {},
	StatusErrored:   {StatusPaused: true},
}

// CanTransitionTo reports whether moving from the receiver's status to next
// is a legal lifecycle edge.
func (s Status) CanTransitionTo(next Status) bool {
	return transitions[s][next]
}

// Campaign is a budget-bounded, time-bounded collection of arms optimized
// toward a single KPI.
type Campaign struct {
	ID            int64
	Name          string
	TotalBudget   float64
	Start         time.Time
	End           *time.Time
	Status        Status
	PrimaryKPI    PrimaryKPI
	RiskTolerance float64 // in [0,1]
	VarianceLimit float64 // >= 0
	Cadence       time.Duration
	arms          map[string]Arm // keyed by Arm.Key(), construction/validation only
}

// CampaignConfig is the input to NewCampaign.
type CampaignConfig struct {
	ID            int64
	Name          string
	TotalBudget   float64
	Start         time.Time
	End           *time.Time
	PrimaryKPI    PrimaryKPI
	RiskTolerance float64
	VarianceLimit float64
	Cadence       time.Duration
}

// DefaultCadence is the spec's default per-campaign cycle interval.
const DefaultCadence = 15 * time.Minute

// NewCampaign constructs a Campaign in Draft status, applying defaults for
// an unset cadence and the risk parameter bounds.
func NewCampaign(cfg CampaignConfig) (*Campaign, error) {
	if cfg.TotalBudget <= 0 {
		return nil, fmt.Errorf("campaign: total_budget must be positive, got %v", cfg.TotalBudget)
	}
	if cfg.RiskTolerance < 0 || cfg.RiskTolerance > 1 {
		return nil, fmt.Errorf("campaign: risk_tolerance must be in [0,1], got %v", cfg.RiskTolerance)
	}
	if cfg.VarianceLimit < 0 {
		return nil, fmt.Errorf("campaign: variance_limit must be >= 0, got %v", cfg.VarianceLimit)
	}
	switch cfg.PrimaryKPI {
	case KPIRoas, KPICPA, KPIRevenue, KPIConversions:
	default:
		return nil, fmt.Errorf("campaign: unknown primary_kpi %q", cfg.PrimaryKPI)
	}
	cadence := cfg.Cadence
	if cadence <= 0 {
		cadence = DefaultCadence
	}
	return &Campaign{
		ID:            cfg.ID,
		Name:          cfg.Name,
		TotalBudget:   cfg.TotalBudget,
		Start:         cfg.Start,
		End:           cfg.End,
		Status:        StatusDraft,
		PrimaryKPI:    cfg.PrimaryKPI,
		RiskTolerance: cfg.RiskTolerance,
		VarianceLimit: cfg.VarianceLimit,
		Cadence:       cadence,
		arms:          make(map[string]Arm),
	}, nil
}

// AddArm validates and attaches an arm to the campaign, rejecting a
// duplicate arm_key within the same campaign.
func (c *Campaign) AddArm(a Arm) error {
	if err := ValidateArm(a); err != nil {
		return err
	}
	a.CampaignID = c.ID
	key := a.Key()
	if c.arms == nil {
		c.arms = make(map[string]Arm)
	}
	if _, exists := c.arms[key]; exists {
		return fmt.Errorf("campaign %d: duplicate arm_key %q", c.ID, key)
	}
	c.arms[key] = a
	return nil
}

// Arms returns a snapshot slice of the campaign's arms.
func (c *Campaign) Arms() []Arm {
	out := make([]Arm, 0, len(c.arms))
	for _, a := range c.arms {
		out = append(out, a)
	}
	return out
}

// SetArmID records the store-assigned ID for the arm with the given key,
// called once after a new arm's first successful insert.
func (c *Campaign) SetArmID(key string, id int64) {
	if a, ok := c.arms[key]; ok {
		a.ID = id
		c.arms[key] = a
	}
}

// Activate transitions Draft -> Active.
func (c *Campaign) Activate() error {
	return c.transition(StatusActive)
}

// Pause transitions Active -> Paused.
func (c *Campaign) Pause() error {
	return c.transition(StatusPaused)
}

// Resume transitions Paused -> Active.
func (c *Campaign) Resume() error {
	return c.transition(StatusActive)
}

// Complete transitions Active/Paused -> Completed (terminal).
func (c *Campaign) Complete() error {
	return c.transition(StatusCompleted)
}

// Error transitions into Errored (terminal except for manual Reset).
func (c *Campaign) Error() error {
	return c.transition(StatusErrored)
}

// Reset manually clears an Errored campaign back to Paused, preserving
// every learned posterior — only the status changes.
func (c *Campaign) Reset() error {
	return c.transition(StatusPaused)
}

func (c *Campaign) transition(next Status) error {
	if !c.Status.CanTransitionTo(next) {
		return fmt.Errorf("campaign %d: illegal transition %s -> %s", c.ID, c.Status, next)
	}
	c.Status = next
	return nil
}
