package training

import (
	"fmt"
	"math"
	"sort"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Implementations are pure functions of the epoch.
type LRScheduler interface {
	// GetLR returns the learning rate for the given 0-based epoch
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// PiecewiseLRScheduler returns Values[i] for the first boundary the epoch is
// below, and the last value once every boundary has been passed. baseLR is
// ignored: the table holds absolute rates.
type PiecewiseLRScheduler struct {
	Boundaries []int     // Strictly increasing epoch boundaries
	Values     []float64 // len(Boundaries)+1 learning rates
}

// NewPiecewiseLRScheduler validates the boundary table.
func NewPiecewiseLRScheduler(boundaries []int, values []float64) (*PiecewiseLRScheduler, error) {
	if len(values) != len(boundaries)+1 {
		return nil, fmt.Errorf("piecewise schedule needs %d values for %d boundaries, got %d",
			len(boundaries)+1, len(boundaries), len(values))
	}
	if !sort.IntsAreSorted(boundaries) {
		return nil, fmt.Errorf("piecewise boundaries must be increasing: %v", boundaries)
	}
	for i := 1; i < len(boundaries); i++ {
		if boundaries[i] == boundaries[i-1] {
			return nil, fmt.Errorf("duplicate piecewise boundary %d", boundaries[i])
		}
	}
	for _, v := range values {
		if v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
			return nil, fmt.Errorf("learning rate must be positive and finite, got %v", v)
		}
	}
	return &PiecewiseLRScheduler{
		Boundaries: append([]int(nil), boundaries...),
		Values:     append([]float64(nil), values...),
	}, nil
}

// NewWAGEScheduler returns the schedule used for WAGE training: 8 below
// epoch 200, 1 below 250 and 1/8 afterwards.
func NewWAGEScheduler() *PiecewiseLRScheduler {
	return &PiecewiseLRScheduler{
		Boundaries: []int{200, 250},
		Values:     []float64{8.0, 1.0, 1.0 / 8},
	}
}

func (s *PiecewiseLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	i := sort.Search(len(s.Boundaries), func(i int) bool { return epoch < s.Boundaries[i] })
	return s.Values[i]
}

func (s *PiecewiseLRScheduler) GetName() string {
	return "PiecewiseLR"
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30 // Default: reduce every 30 epochs
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	// Calculate how many times to apply gamma
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95 // Default: 5% reduction per epoch
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100 // Default: 100 epochs
	}
	if etaMin < 0 {
		etaMin = 0 // Default: anneal to 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}

	// Cosine annealing formula
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// NewScheduler maps a schedule name to a scheduler. totalEpochs sizes the
// cosine schedule.
func NewScheduler(name string, totalEpochs int) (LRScheduler, error) {
	switch name {
	case "wage":
		return NewWAGEScheduler(), nil
	case "const", "constant":
		return &NoOpScheduler{}, nil
	case "step":
		return NewStepLRScheduler(max(totalEpochs/3, 1), 0.1), nil
	case "exponential":
		return NewExponentialLRScheduler(0.95), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(totalEpochs, 0), nil
	}
	return nil, fmt.Errorf("unknown learning rate schedule %q", name)
}
