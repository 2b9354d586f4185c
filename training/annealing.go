package training

import (
	"math"
)

// DefaultAnnealFraction is the portion of each annealing cycle spent on the
// sigmoid ramp before the KL weight saturates at 1.
const DefaultAnnealFraction = 0.5

// LossTriple holds the weighted total loss alongside its components
type LossTriple struct {
	Total          float64
	Reconstruction float64
	KL             float64
}

// CyclicalKLSchedule computes the KL weight for cyclical annealing. Training
// is divided into four cycles; within each cycle the weight follows a
// sigmoid ramp over the phase t in [0,1) while t <= AnnealFraction, then
// holds at 1 for the remainder. Repeated ramps counteract posterior collapse
// of the latent variable.
type CyclicalKLSchedule struct {
	TotalSteps     int
	AnnealFraction float64
}

// NewCyclicalKLSchedule validates and creates a schedule. TotalSteps must be
// positive (the cycle length is TotalSteps/4) and the anneal fraction must
// lie in [0,1].
func NewCyclicalKLSchedule(totalSteps int, annealFraction float64) (*CyclicalKLSchedule, error) {
	if totalSteps <= 0 {
		return nil, &ConfigurationError{Field: "TotalTrainingSteps", Reason: "must be positive"}
	}
	if annealFraction < 0 || annealFraction > 1 {
		return nil, &ConfigurationError{Field: "AnnealFraction", Reason: "must be in [0, 1]"}
	}

	return &CyclicalKLSchedule{
		TotalSteps:     totalSteps,
		AnnealFraction: annealFraction,
	}, nil
}

// Beta returns the KL weight at the given iteration. The phase t is in
// [0,1), so sigmoid(t) ranges over [0.5, ~0.62) on the ramp before the
// weight saturates at 1.
func (s *CyclicalKLSchedule) Beta(iteration int) float64 {
	cycle := float64(s.TotalSteps) / 4.0
	t := math.Mod(float64(iteration), cycle) / cycle

	if t > s.AnnealFraction {
		return 1.0
	}
	return 1.0 / (1.0 + math.Exp(-t))
}

// Compute produces the loss triple for one step. A nil kld means the latent
// path is inactive (plain mode): the total passes through the reconstruction
// loss and the KL component is zero. Otherwise the KL term is weighted by
// the annealing schedule.
func (s *CyclicalKLSchedule) Compute(reconstruction float64, kld *float64, iteration int) LossTriple {
	if kld == nil {
		return LossTriple{
			Total:          reconstruction,
			Reconstruction: reconstruction,
			KL:             0,
		}
	}

	beta := s.Beta(iteration)
	return LossTriple{
		Total:          reconstruction + beta*(*kld),
		Reconstruction: reconstruction,
		KL:             *kld,
	}
}
