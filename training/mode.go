package training

// Mode selects how the model's forward pass operates
type Mode int

const (
	// ModePlain is the deterministic encoder-decoder path used during warmup
	ModePlain Mode = iota
	// ModeLatent conditions generation on a sampled latent variable and
	// contributes a KL term
	ModeLatent
)

func (m Mode) String() string {
	switch m {
	case ModePlain:
		return "plain"
	case ModeLatent:
		return "latent"
	default:
		return "unknown"
	}
}

// ParseMode maps a mode name back to its value
func ParseMode(s string) Mode {
	if s == "latent" {
		return ModeLatent
	}
	return ModePlain
}

// ModeController decides when the model switches from the plain path to the
// latent path. The transition is one-shot: once in latent mode the
// controller never switches back. Side effects of the transition (fresh
// optimizer, propagating the mode to the model) belong to the caller.
type ModeController struct {
	WarmupSteps int
}

// NewModeController creates a controller with the given warmup threshold
func NewModeController(warmupSteps int) (*ModeController, error) {
	if warmupSteps < 0 {
		return nil, &ConfigurationError{Field: "WarmupSteps", Reason: "must be non-negative"}
	}
	return &ModeController{WarmupSteps: warmupSteps}, nil
}

// ShouldTransition reports whether the plain-to-latent switch fires at this
// iteration. Pure decision logic: true exactly when the current mode is
// plain and the iteration has passed the warmup threshold.
func (mc *ModeController) ShouldTransition(mode Mode, iteration int) bool {
	return mode == ModePlain && iteration > mc.WarmupSteps
}
