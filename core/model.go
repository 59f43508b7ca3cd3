package core

import (
	erand "golang.org/x/exp/rand"

	"github.com/zeu5/embodied-rl/tensor"
)

// Parameter is a named trainable slice with its gradient accumulator.
type Parameter struct {
	Name string
	Data []float64
	Grad []float64
}

func NewParameter(name string, size int) *Parameter {
	return &Parameter{
		Name: name,
		Data: make([]float64, size),
		Grad: make([]float64, size),
	}
}

func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Distribution is a batch of per-row action distributions.
type Distribution interface {
	// Sample draws one action per row, shape [rows, actionDim].
	Sample(rng *erand.Rand) *tensor.Tensor
	// Mode returns the most likely action per row.
	Mode() *tensor.Tensor
	// LogProbs returns the log probability of the given actions per row,
	// shape [rows, 1].
	LogProbs(actions *tensor.Tensor) *tensor.Tensor
	// Entropy returns the per-row entropy, shape [rows, 1].
	Entropy() *tensor.Tensor
}

// ActorCriticOutput is the result of one policy forward pass. Losses
// accumulate their gradients with respect to the distribution preferences
// and value estimates into the grad buffers; the model's Backward chains
// them into parameter gradients.
type ActorCriticOutput struct {
	Distributions Distribution
	// Values has shape [rows, 1].
	Values *tensor.Tensor

	GradPrefs  *tensor.Tensor
	GradValues *tensor.Tensor
}

// EnsureGrads allocates zeroed grad buffers matching the preference and
// value shapes.
func (o *ActorCriticOutput) EnsureGrads(prefShape []int) {
	if o.GradPrefs == nil {
		o.GradPrefs = tensor.Zeros(prefShape...)
	}
	if o.GradValues == nil {
		o.GradValues = tensor.Zeros(o.Values.Shape()...)
	}
}

// Batch is one mini-batch shard produced by the rollout generator. Row r
// of every [T*n, ...] tensor corresponds to timestep r/n of shard worker
// r%n.
type Batch struct {
	Observations          *Observation
	RecurrentHiddenStates *tensor.Tensor // [layers, n, hidden]
	Actions               *tensor.Tensor // [T*n, actionDim]
	PrevActions           *tensor.Tensor // [T*n, actionDim]
	Values                *tensor.Tensor // [T*n, 1]
	Returns               *tensor.Tensor // [T*n, 1]
	Masks                 *tensor.Tensor // [T*n, 1]
	OldActionLogProbs     *tensor.Tensor // [T*n, 1]
	AdvTarg               *tensor.Tensor // [T*n, 1]
	NormAdvTarg           *tensor.Tensor // [T*n, 1]

	T int
	N int
}

// ActorCritic is the policy network contract the engine drives. Act is the
// no-gradient rollout path; EvaluateActions plus Backward form the manual
// two-stage backward pass used during optimization.
type ActorCritic interface {
	// Act runs the policy on one timestep of observations, shape [N, ...],
	// returning the output and the next recurrent hidden state
	// [layers, N, hidden].
	Act(obs *Observation, hidden, prevActions, masks *tensor.Tensor) (*ActorCriticOutput, *tensor.Tensor)
	// EvaluateActions re-runs the policy over a flattened mini-batch,
	// caching whatever Backward needs.
	EvaluateActions(batch *Batch) *ActorCriticOutput
	// Backward chains the loss gradients accumulated in out into the
	// parameter gradients.
	Backward(batch *Batch, out *ActorCriticOutput)

	Parameters() []*Parameter
	ZeroGrad()

	ActionSpace() ActionSpace
	RecurrentHiddenSize() int
	NumRecurrentLayers() int
}

// LossOutput is the scalar value of one loss term plus the scalars it
// wants logged.
type LossOutput struct {
	Value float64
	Info  map[string]float64
}

// Loss is the pluggable optimization objective contract. Loss accumulates
// weight-scaled gradients into out's grad buffers and returns its
// unweighted scalar value.
type Loss interface {
	Loss(batch *Batch, out *ActorCriticOutput, weight float64) (LossOutput, error)
}

type LossConstructor interface {
	NewLoss() Loss
}

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	Step()
	LR() float64
	SetLR(lr float64)
	StateDict() map[string][]float64
	LoadStateDict(state map[string][]float64) error
}

type OptimizerConstructor interface {
	NewOptimizer(params []*Parameter) Optimizer
}

// Scheduler adjusts the optimizer's learning rate; Step is called once per
// global task step so schedules resume exactly from persisted step counts.
type Scheduler interface {
	Step(step int)
}

type SchedulerConstructor interface {
	NewScheduler(opt Optimizer) Scheduler
}
