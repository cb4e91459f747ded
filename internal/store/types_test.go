package store

import "testing"

func TestMetricROAS(t *testing.T) {
	tests := []struct {
		name string
		m    Metric
		eps  float64
		want float64
	}{
		{
			name: "normal spend",
			m:    Metric{Cost: 100, Revenue: 250},
			eps:  0.01,
			want: 2.5,
		},
		{
			name: "zero cost floored by eps",
			m:    Metric{Cost: 0, Revenue: 10},
			eps:  0.01,
			want: 1000,
		},
		{
			name: "cost below eps still floored",
			m:    Metric{Cost: 0.001, Revenue: 1},
			eps:  0.01,
			want: 100,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.m.ROAS(tt.eps)
			if got != tt.want {
				t.Errorf("ROAS() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestArmPosteriorMeanAndVariance(t *testing.T) {
	p := NewArmPosterior(1)
	if p.MeanReward() != 0 {
		t.Errorf("new posterior MeanReward() = %v, want 0", p.MeanReward())
	}
	if p.RewardVariance() != 0 {
		t.Errorf("new posterior RewardVariance() = %v, want 0", p.RewardVariance())
	}

	p.Trials = 4
	p.RewardSum = 8 // mean 2
	p.RewardSqSum = 20
	if mean := p.MeanReward(); mean != 2 {
		t.Errorf("MeanReward() = %v, want 2", mean)
	}
	wantVar := 20.0/4 - 2*2
	if v := p.RewardVariance(); v != wantVar {
		t.Errorf("RewardVariance() = %v, want %v", v, wantVar)
	}
}

func TestArmPosteriorRiskScore(t *testing.T) {
	tests := []struct {
		name          string
		trials        int64
		rewardSum     float64
		rewardSqSum   float64
		varianceLimit float64
		want          float64
	}{
		{
			name:          "no trials, positive limit",
			trials:        0,
			varianceLimit: 0.1,
			want:          0,
		},
		{
			name:          "variance exceeds limit, clipped to 1",
			trials:        10,
			rewardSum:     20,
			rewardSqSum:   100, // mean 2, variance 6
			varianceLimit: 0.1,
			want:          1,
		},
		{
			name:          "variance within limit",
			trials:        10,
			rewardSum:     20,
			rewardSqSum:   45, // mean 2, variance 0.5
			varianceLimit: 1.0,
			want:          0.5,
		},
		{
			name:          "zero limit, zero variance",
			trials:        10,
			rewardSum:     20,
			rewardSqSum:   40, // mean 2, variance 0
			varianceLimit: 0,
			want:          0,
		},
		{
			name:          "zero limit, any variance maxes risk",
			trials:        10,
			rewardSum:     20,
			rewardSqSum:   41,
			varianceLimit: 0,
			want:          1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ArmPosterior{Trials: tt.trials, RewardSum: tt.rewardSum, RewardSqSum: tt.rewardSqSum}
			if got := p.RiskScore(tt.varianceLimit); got != tt.want {
				t.Errorf("RiskScore(%v) = %v, want %v", tt.varianceLimit, got, tt.want)
			}
		})
	}
}
