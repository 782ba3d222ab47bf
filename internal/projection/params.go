package projection

import "fmt"

// Params controls model fitting and transformation.
// Zero Epochs and TransformEpochs select a size-dependent default.
type Params struct {
	Neighbors       int     `yaml:"neighbors" json:"neighbors"`
	MinDist         float64 `yaml:"min_dist" json:"min_dist"`
	Spread          float64 `yaml:"spread" json:"spread"`
	Seed            uint64  `yaml:"seed" json:"seed"`
	Epochs          int     `yaml:"epochs" json:"epochs"`
	TransformEpochs int     `yaml:"transform_epochs" json:"transform_epochs"`
	NegativeRate    int     `yaml:"negative_sample_rate" json:"negative_sample_rate"`
	LearningRate    float64 `yaml:"learning_rate" json:"learning_rate"`
}

// DefaultParams returns the default fitting parameters.
func DefaultParams() Params {
	return Params{
		Neighbors:    15,
		MinDist:      0.1,
		Spread:       1.0,
		Seed:         42,
		NegativeRate: 5,
		LearningRate: 1.0,
	}
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	switch {
	case p.Neighbors < 2:
		return fmt.Errorf("neighbors must be at least 2, got %d", p.Neighbors)
	case p.Spread <= 0:
		return fmt.Errorf("spread must be positive, got %g", p.Spread)
	case p.MinDist < 0 || p.MinDist > p.Spread:
		return fmt.Errorf("min_dist must be in [0, spread], got %g", p.MinDist)
	case p.Epochs < 0 || p.TransformEpochs < 0:
		return fmt.Errorf("epochs must not be negative")
	case p.NegativeRate < 0:
		return fmt.Errorf("negative_sample_rate must not be negative, got %d", p.NegativeRate)
	case p.LearningRate <= 0:
		return fmt.Errorf("learning_rate must be positive, got %g", p.LearningRate)
	}
	return nil
}

// epochsFor resolves the training epoch count for n samples.
func (p Params) epochsFor(n int) int {
	if p.Epochs > 0 {
		return p.Epochs
	}
	if n <= 10_000 {
		return 500
	}
	return 200
}

// transformEpochsFor resolves the transform epoch count given the training epochs.
func (p Params) transformEpochsFor(trainEpochs int) int {
	if p.TransformEpochs > 0 {
		return p.TransformEpochs
	}
	if e := trainEpochs / 3; e > 0 {
		return e
	}
	return 1
}
