package optim

import "math"

// Scheduler adjusts an optimizer's learning rate once per epoch.
type Scheduler interface {
	Step()
}

// MetricScheduler is a Scheduler that needs a validation metric to decide
// (e.g. ReduceLROnPlateau). The training loop calls StepMetric instead of
// Step for schedulers implementing it.
type MetricScheduler interface {
	Scheduler
	StepMetric(metric float64)
}

// StepSchedule sets the learning rate before every optimizer update.
type StepSchedule interface {
	// LR returns the learning rate for update number step (1-based).
	LR(step int64) float64
}

// StepLR multiplies the learning rate by Gamma every StepSize epochs.
type StepLR struct {
	optimizer Optimizer
	stepSize  int
	gamma     float64
	epoch     int
}

// NewStepLR creates a StepLR schedule.
func NewStepLR(optimizer Optimizer, stepSize int, gamma float64) *StepLR {
	if stepSize <= 0 {
		stepSize = 1
	}
	return &StepLR{optimizer: optimizer, stepSize: stepSize, gamma: gamma}
}

// Step advances the schedule by one epoch.
func (s *StepLR) Step() {
	s.epoch++
	if s.epoch%s.stepSize == 0 {
		s.optimizer.SetLR(s.optimizer.GetLR() * s.gamma)
	}
}

// ExponentialLR multiplies the learning rate by Gamma every epoch.
type ExponentialLR struct {
	optimizer Optimizer
	gamma     float64
}

// NewExponentialLR creates an ExponentialLR schedule.
func NewExponentialLR(optimizer Optimizer, gamma float64) *ExponentialLR {
	return &ExponentialLR{optimizer: optimizer, gamma: gamma}
}

// Step advances the schedule by one epoch.
func (s *ExponentialLR) Step() {
	s.optimizer.SetLR(s.optimizer.GetLR() * s.gamma)
}

// ReduceLROnPlateau lowers the learning rate when a minimized metric stops
// improving for more than Patience epochs.
type ReduceLROnPlateau struct {
	optimizer Optimizer
	config    PlateauConfig
	best      float64
	numBad    int
}

// PlateauConfig holds configuration for ReduceLROnPlateau.
type PlateauConfig struct {
	Factor    float64 // Multiplier applied on plateau (default: 0.1)
	Patience  int     // Epochs without improvement tolerated (default: 10)
	Threshold float64 // Relative improvement required (default: 1e-4)
	MinLR     float64 // Lower bound on the learning rate
}

// NewReduceLROnPlateau creates the schedule.
func NewReduceLROnPlateau(optimizer Optimizer, config PlateauConfig) *ReduceLROnPlateau {
	if config.Factor == 0 {
		config.Factor = 0.1
	}
	if config.Patience == 0 {
		config.Patience = 10
	}
	if config.Threshold == 0 {
		config.Threshold = 1e-4
	}
	return &ReduceLROnPlateau{optimizer: optimizer, config: config, best: math.Inf(1)}
}

// Step without a metric counts as an epoch without improvement.
func (s *ReduceLROnPlateau) Step() {
	s.StepMetric(math.NaN())
}

// StepMetric records the epoch's metric.
func (s *ReduceLROnPlateau) StepMetric(metric float64) {
	if !math.IsNaN(metric) && metric < s.best*(1-s.config.Threshold) {
		s.best = metric
		s.numBad = 0
		return
	}
	s.numBad++
	if s.numBad > s.config.Patience {
		s.optimizer.SetLR(math.Max(s.optimizer.GetLR()*s.config.Factor, s.config.MinLR))
		s.numBad = 0
	}
}

// Noam is the inverse-square-root warmup schedule of "Attention Is All You
// Need":
//
//	lr = Scale * DModel^-0.5 * min(step^-0.5, step * Warmup^-1.5)
type Noam struct {
	DModel int
	Warmup int
	Scale  float64
}

// NewNoam creates the schedule with Scale 1.
func NewNoam(dModel, warmup int) *Noam {
	return &Noam{DModel: dModel, Warmup: warmup, Scale: 1}
}

// LR returns the learning rate for update number step.
func (n *Noam) LR(step int64) float64 {
	if step < 1 {
		step = 1
	}
	s := float64(step)
	warmup := float64(max(n.Warmup, 1))
	return n.Scale * math.Pow(float64(n.DModel), -0.5) * math.Min(math.Pow(s, -0.5), s*math.Pow(warmup, -1.5))
}
