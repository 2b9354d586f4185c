package training

import (
	"math"
	"testing"
)

func TestBetaSigmoidRamp(t *testing.T) {
	schedule, err := NewCyclicalKLSchedule(1000, DefaultAnnealFraction)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Cycle length is 250; at the start of every cycle the phase is 0 and the
	// sigmoid gives exactly 0.5.
	for _, iteration := range []int{0, 250, 500, 750} {
		beta := schedule.Beta(iteration)
		if math.Abs(beta-0.5) > 1e-12 {
			t.Errorf("expected beta 0.5 at iteration %d, got %v", iteration, beta)
		}
	}

	// Past the anneal fraction of the cycle the weight saturates at 1
	for _, iteration := range []int{130, 249, 380, 999} {
		beta := schedule.Beta(iteration)
		if beta != 1.0 {
			t.Errorf("expected beta 1.0 at iteration %d, got %v", iteration, beta)
		}
	}
}

func TestBetaBounds(t *testing.T) {
	schedule, err := NewCyclicalKLSchedule(400, DefaultAnnealFraction)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for iteration := 0; iteration < 400; iteration++ {
		beta := schedule.Beta(iteration)
		if beta < 0.5 || beta > 1.0 {
			t.Fatalf("beta %v out of [0.5, 1] at iteration %d", beta, iteration)
		}
	}
}

func TestBetaMonotoneWithinRamp(t *testing.T) {
	schedule, err := NewCyclicalKLSchedule(1000, DefaultAnnealFraction)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prev := schedule.Beta(0)
	for iteration := 1; iteration < 125; iteration++ {
		beta := schedule.Beta(iteration)
		if beta < prev {
			t.Fatalf("beta decreased from %v to %v at iteration %d", prev, beta, iteration)
		}
		prev = beta
	}
}

func TestComputePlainPassthrough(t *testing.T) {
	schedule, err := NewCyclicalKLSchedule(1000, DefaultAnnealFraction)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	losses := schedule.Compute(3.25, nil, 42)
	if losses.Total != 3.25 {
		t.Errorf("expected total 3.25, got %v", losses.Total)
	}
	if losses.Reconstruction != 3.25 {
		t.Errorf("expected reconstruction 3.25, got %v", losses.Reconstruction)
	}
	if losses.KL != 0 {
		t.Errorf("expected kl 0, got %v", losses.KL)
	}
}

func TestComputeLatentWeighting(t *testing.T) {
	schedule, err := NewCyclicalKLSchedule(4, DefaultAnnealFraction)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	kld := 1.0
	losses := schedule.Compute(2.0, &kld, 0)

	// At iteration 0 the phase is 0, so the weight is sigmoid(0) = 0.5
	if math.Abs(losses.Total-2.5) > 1e-12 {
		t.Errorf("expected total 2.5, got %v", losses.Total)
	}
	if losses.Reconstruction != 2.0 {
		t.Errorf("expected reconstruction 2.0, got %v", losses.Reconstruction)
	}
	if losses.KL != 1.0 {
		t.Errorf("expected kl 1.0, got %v", losses.KL)
	}
}

func TestNewCyclicalKLScheduleValidation(t *testing.T) {
	tests := []struct {
		name           string
		totalSteps     int
		annealFraction float64
		wantErr        bool
	}{
		{"valid", 1000, 0.5, false},
		{"full ramp", 1000, 1.0, false},
		{"zero steps", 0, 0.5, true},
		{"negative steps", -5, 0.5, true},
		{"negative fraction", 1000, -0.1, true},
		{"fraction above one", 1000, 1.5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCyclicalKLSchedule(tt.totalSteps, tt.annealFraction)
			if tt.wantErr && err == nil {
				t.Error("expected an error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
