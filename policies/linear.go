package policies

import (
	"fmt"

	"github.com/zeu5/embodied-rl/core"
	"github.com/zeu5/embodied-rl/tensor"
)

// ExpertActionSensor is the reserved sensor name carrying expert
// supervision. Models never consume it as a policy input.
const ExpertActionSensor = "expert_action"

// LinearActorCritic is a softmax-linear actor and linear critic over the
// concatenated observation features, extended with a decayed recurrent
// trace of past features. The trace carries history without gradients
// flowing through time, which keeps the backward pass a single outer
// product per row.
type LinearActorCritic struct {
	space     core.ActionSpace
	inputSize int
	alpha     float64

	actorW  *core.Parameter
	actorB  *core.Parameter
	criticW *core.Parameter
	criticB *core.Parameter

	// Feature cache for the pending Backward, written by EvaluateActions.
	lastZ *tensor.Tensor
}

var _ core.ActorCritic = (*LinearActorCritic)(nil)

// NewLinearActorCritic builds a model for the given discrete action space
// over inputSize concatenated observation features. traceDecay weighs how
// much of the previous trace survives each step; 0 disables recurrence.
func NewLinearActorCritic(space core.ActionSpace, inputSize int, traceDecay float64) *LinearActorCritic {
	if !space.IsDiscrete() {
		panic("linear actor critic supports discrete action spaces only")
	}
	zdim := 2 * inputSize
	return &LinearActorCritic{
		space:     space,
		inputSize: inputSize,
		alpha:     traceDecay,
		actorW:    core.NewParameter("actor.w", space.N*zdim),
		actorB:    core.NewParameter("actor.b", space.N),
		criticW:   core.NewParameter("critic.w", zdim),
		criticB:   core.NewParameter("critic.b", 1),
	}
}

// features concatenates every leaf sensor except the expert sensor into a
// [rows, inputSize] matrix, in the tree's deterministic walk order.
func (m *LinearActorCritic) features(obs *core.Observation, rows int) *tensor.Tensor {
	out := tensor.Zeros(rows, m.inputSize)
	col := 0
	obs.Walk(func(path []string, leaf *tensor.Tensor) {
		if path[0] == ExpertActionSensor {
			return
		}
		width := leaf.NumElem() / rows
		for i := 0; i < rows; i++ {
			copy(out.Step(i)[col:col+width], leaf.Step(i))
		}
		col += width
	})
	if col != m.inputSize {
		panic(fmt.Sprintf(
			"linear actor critic: observations carry %d features, model expects %d",
			col, m.inputSize,
		))
	}
	return out
}

// heads applies the linear actor and critic heads to the [rows, 2F]
// feature matrix.
func (m *LinearActorCritic) heads(z *tensor.Tensor) (logits, values *tensor.Tensor) {
	rows := z.Dim(0)
	zdim := z.Dim(1)
	logits = tensor.Zeros(rows, m.space.N)
	values = tensor.Zeros(rows, 1)
	for i := 0; i < rows; i++ {
		zi := z.Step(i)
		lrow := logits.Step(i)
		for a := 0; a < m.space.N; a++ {
			sum := m.actorB.Data[a]
			wrow := m.actorW.Data[a*zdim : (a+1)*zdim]
			for j, v := range zi {
				sum += wrow[j] * v
			}
			lrow[a] = sum
		}
		v := m.criticB.Data[0]
		for j, zv := range zi {
			v += m.criticW.Data[j] * zv
		}
		values.Set(v, i, 0)
	}
	return logits, values
}

func (m *LinearActorCritic) Act(
	obs *core.Observation, hidden, prevActions, masks *tensor.Tensor,
) (*core.ActorCriticOutput, *tensor.Tensor) {
	n := masks.Dim(0)
	x := m.features(obs, n)

	newHidden := tensor.Zeros(1, n, m.inputSize)
	z := tensor.Zeros(n, 2*m.inputSize)
	for i := 0; i < n; i++ {
		h := hidden.Block(0, i)
		hn := newHidden.Block(0, i)
		xi := x.Step(i)
		mask := masks.At(i, 0)
		for j := range hn {
			hn[j] = m.alpha*mask*h[j] + (1-m.alpha)*xi[j]
		}
		zi := z.Step(i)
		copy(zi[:m.inputSize], xi)
		copy(zi[m.inputSize:], hn)
	}

	logits, values := m.heads(z)
	out := &core.ActorCriticOutput{
		Distributions: NewCategorical(logits),
		Values:        values,
	}
	return out, newHidden
}

func (m *LinearActorCritic) EvaluateActions(batch *core.Batch) *core.ActorCriticOutput {
	rows := batch.T * batch.N
	x := m.features(batch.Observations, rows)

	// Unroll the trace from the shard's initial hidden state; row t*N+k is
	// timestep t of shard worker k.
	h := batch.RecurrentHiddenStates.Clone()
	z := tensor.Zeros(rows, 2*m.inputSize)
	for t := 0; t < batch.T; t++ {
		for k := 0; k < batch.N; k++ {
			r := t*batch.N + k
			hk := h.Block(0, k)
			xi := x.Step(r)
			mask := batch.Masks.At(r, 0)
			for j := range hk {
				hk[j] = m.alpha*mask*hk[j] + (1-m.alpha)*xi[j]
			}
			zi := z.Step(r)
			copy(zi[:m.inputSize], xi)
			copy(zi[m.inputSize:], hk)
		}
	}
	m.lastZ = z

	logits, values := m.heads(z)
	out := &core.ActorCriticOutput{
		Distributions: NewCategorical(logits),
		Values:        values,
	}
	out.EnsureGrads(logits.Shape())
	return out
}

func (m *LinearActorCritic) Backward(batch *core.Batch, out *core.ActorCriticOutput) {
	if m.lastZ == nil {
		panic("linear actor critic: Backward without a preceding EvaluateActions")
	}
	rows := m.lastZ.Dim(0)
	zdim := m.lastZ.Dim(1)
	for i := 0; i < rows; i++ {
		zi := m.lastZ.Step(i)
		gp := out.GradPrefs.Step(i)
		for a, g := range gp {
			if g == 0 {
				continue
			}
			wrow := m.actorW.Grad[a*zdim : (a+1)*zdim]
			for j, zv := range zi {
				wrow[j] += g * zv
			}
			m.actorB.Grad[a] += g
		}
		if gv := out.GradValues.At(i, 0); gv != 0 {
			for j, zv := range zi {
				m.criticW.Grad[j] += gv * zv
			}
			m.criticB.Grad[0] += gv
		}
	}
}

func (m *LinearActorCritic) Parameters() []*core.Parameter {
	return []*core.Parameter{m.actorW, m.actorB, m.criticW, m.criticB}
}

func (m *LinearActorCritic) ZeroGrad() {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}

func (m *LinearActorCritic) ActionSpace() core.ActionSpace {
	return m.space
}

func (m *LinearActorCritic) RecurrentHiddenSize() int {
	return m.inputSize
}

func (m *LinearActorCritic) NumRecurrentLayers() int {
	return 1
}
