package onpolicy

import (
	"github.com/pkg/errors"

	"github.com/zeu5/embodied-rl/core"
	"github.com/zeu5/embodied-rl/util"
)

// LinearDecay interpolates a probability from StartP to EndP over Steps
// task steps, clamped at the endpoints.
type LinearDecay struct {
	StartP float64
	EndP   float64
	Steps  int
}

func (l *LinearDecay) Call(step int) float64 {
	frac := util.Clamp(float64(step)/float64(l.Steps), 0, 1)
	return l.StartP + (l.EndP-l.StartP)*frac
}

// EarlyStoppingCriterion decides, once per logging interval, whether the
// current stage should terminate early. It sees the steps taken within the
// stage, the global step count, the accumulated training scalar means, and
// whatever validation metrics have arrived (possibly stale, possibly nil).
type EarlyStoppingCriterion func(stageSteps, totalSteps int, training, validation map[string]float64) bool

// Tunables are the per-knob overrides resolvable at stage, pipeline or
// machine level, in that priority order. A nil field defers to the next
// level; a knob unset at every level is a configuration error.
type Tunables struct {
	NumSteps      *int
	UpdateRepeats *int
	NumMiniBatch  *int
	Gamma         *float64
	UseGAE        *bool
	GAELambda     *float64
	MaxGradNorm   *float64
}

// PipelineStage is one phase of the training curriculum: a set of active
// losses, an optional teacher-forcing schedule, and exactly one
// termination mode: either a hard step budget or an early-stopping
// criterion.
type PipelineStage struct {
	LossNames []string
	// LossWeights, when set, pairs with LossNames; all 1.0 otherwise.
	LossWeights    []float64
	TeacherForcing *LinearDecay

	MaxStageSteps int
	EarlyStopping EarlyStoppingCriterion

	Tunables
}

func (s *PipelineStage) validate(i int, named map[string]core.LossConstructor) error {
	if len(s.LossNames) == 0 {
		return errors.Errorf("stage %d names no losses", i)
	}
	for _, name := range s.LossNames {
		if _, ok := named[name]; !ok {
			return errors.Errorf("stage %d references undefined loss %q", i, name)
		}
	}
	if s.LossWeights != nil && len(s.LossWeights) != len(s.LossNames) {
		return errors.Errorf(
			"stage %d has %d loss weights for %d losses", i, len(s.LossWeights), len(s.LossNames),
		)
	}
	hasBudget := s.MaxStageSteps > 0
	hasCriterion := s.EarlyStopping != nil
	if hasBudget == hasCriterion {
		return errors.Errorf(
			"stage %d must set exactly one of MaxStageSteps and EarlyStopping", i,
		)
	}
	return nil
}

// Weights returns the per-loss weight map for this stage.
func (s *PipelineStage) Weights() map[string]float64 {
	weights := make(map[string]float64, len(s.LossNames))
	for i, name := range s.LossNames {
		if s.LossWeights != nil {
			weights[name] = s.LossWeights[i]
		} else {
			weights[name] = 1.0
		}
	}
	return weights
}

// TrainingPipeline is the ordered stage curriculum plus the defaults
// shared by all stages. CurrentStage is mutated as stages complete and is
// part of the persisted checkpoint state.
type TrainingPipeline struct {
	Stages      []*PipelineStage
	NamedLosses map[string]core.LossConstructor

	Optimizer core.OptimizerConstructor
	Scheduler core.SchedulerConstructor

	SaveInterval int
	LogInterval  int

	Tunables

	CurrentStage int
}

// Validate checks the pipeline invariants once at engine startup so
// configuration errors surface before any rollout is collected.
func (p *TrainingPipeline) Validate() error {
	if len(p.Stages) == 0 {
		return errors.New("training pipeline has no stages")
	}
	if p.Optimizer == nil {
		return errors.New("training pipeline has no optimizer")
	}
	if p.LogInterval <= 0 {
		return errors.New("training pipeline log interval must be positive")
	}
	for i, stage := range p.Stages {
		if err := stage.validate(i, p.NamedLosses); err != nil {
			return err
		}
	}
	return nil
}

// BuildLosses instantiates the stage's losses from the pipeline's named
// constructors.
func (p *TrainingPipeline) BuildLosses(stage *PipelineStage) (map[string]core.Loss, error) {
	losses := make(map[string]core.Loss, len(stage.LossNames))
	for _, name := range stage.LossNames {
		constructor, ok := p.NamedLosses[name]
		if !ok {
			return nil, errors.Errorf("undefined referenced loss %q", name)
		}
		losses[name] = constructor.NewLoss()
	}
	return losses, nil
}

// resolution of a knob over the stage -> pipeline -> machine fallback
// chain.

func resolveInt(name string, chain []*Tunables, sel func(*Tunables) *int) (int, error) {
	for _, t := range chain {
		if t == nil {
			continue
		}
		if p := sel(t); p != nil {
			return *p, nil
		}
	}
	return 0, errors.Errorf("missing value for %s", name)
}

func resolveFloat(name string, chain []*Tunables, sel func(*Tunables) *float64) (float64, error) {
	for _, t := range chain {
		if t == nil {
			continue
		}
		if p := sel(t); p != nil {
			return *p, nil
		}
	}
	return 0, errors.Errorf("missing value for %s", name)
}

func resolveBool(name string, chain []*Tunables, sel func(*Tunables) *bool) (bool, error) {
	for _, t := range chain {
		if t == nil {
			continue
		}
		if p := sel(t); p != nil {
			return *p, nil
		}
	}
	return false, errors.Errorf("missing value for %s", name)
}
