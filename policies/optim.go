package policies

import (
	"math"

	"github.com/pkg/errors"

	"github.com/zeu5/embodied-rl/core"
	"github.com/zeu5/embodied-rl/util"
)

// AdamConfig constructs Adam optimizers over a parameter set.
type AdamConfig struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64
}

var _ core.OptimizerConstructor = AdamConfig{}

func DefaultAdamConfig(lr float64) AdamConfig {
	return AdamConfig{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

func (c AdamConfig) NewOptimizer(params []*core.Parameter) core.Optimizer {
	a := &Adam{
		params: params,
		lr:     c.LR,
		beta1:  c.Beta1,
		beta2:  c.Beta2,
		eps:    c.Eps,
		m:      make(map[string][]float64, len(params)),
		v:      make(map[string][]float64, len(params)),
	}
	for _, p := range params {
		a.m[p.Name] = make([]float64, len(p.Data))
		a.v[p.Name] = make([]float64, len(p.Data))
	}
	return a
}

// Adam with bias-corrected first and second moment estimates. Moment
// buffers and the step counter round-trip through the checkpoint state
// dict.
type Adam struct {
	params []*core.Parameter
	lr     float64
	beta1  float64
	beta2  float64
	eps    float64
	t      int
	m      map[string][]float64
	v      map[string][]float64
}

var _ core.Optimizer = (*Adam)(nil)

func (a *Adam) Step() {
	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))
	for _, p := range a.params {
		m, v := a.m[p.Name], a.v[p.Name]
		for i, g := range p.Grad {
			m[i] = a.beta1*m[i] + (1-a.beta1)*g
			v[i] = a.beta2*v[i] + (1-a.beta2)*g*g
			p.Data[i] -= a.lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + a.eps)
		}
	}
}

func (a *Adam) LR() float64 {
	return a.lr
}

func (a *Adam) SetLR(lr float64) {
	a.lr = lr
}

func (a *Adam) StateDict() map[string][]float64 {
	state := make(map[string][]float64, 2*len(a.params)+2)
	for _, p := range a.params {
		state[p.Name+".m"] = append([]float64{}, a.m[p.Name]...)
		state[p.Name+".v"] = append([]float64{}, a.v[p.Name]...)
	}
	state["t"] = []float64{float64(a.t)}
	state["lr"] = []float64{a.lr}
	return state
}

func (a *Adam) LoadStateDict(state map[string][]float64) error {
	for _, p := range a.params {
		for _, suffix := range []string{".m", ".v"} {
			stored, ok := state[p.Name+suffix]
			if !ok {
				return errors.Errorf("optimizer state missing %s%s", p.Name, suffix)
			}
			if len(stored) != len(p.Data) {
				return errors.Errorf(
					"optimizer state %s%s has %d values, parameter has %d",
					p.Name, suffix, len(stored), len(p.Data),
				)
			}
		}
	}
	for _, p := range a.params {
		copy(a.m[p.Name], state[p.Name+".m"])
		copy(a.v[p.Name], state[p.Name+".v"])
	}
	if t, ok := state["t"]; ok && len(t) == 1 {
		a.t = int(t[0])
	}
	if lr, ok := state["lr"]; ok && len(lr) == 1 {
		a.lr = lr[0]
	}
	return nil
}

// LinearLRConfig builds a scheduler interpolating the learning rate from
// StartLR to EndLR over Steps global task steps, then holding EndLR.
type LinearLRConfig struct {
	StartLR float64
	EndLR   float64
	Steps   int
}

var _ core.SchedulerConstructor = LinearLRConfig{}

func (c LinearLRConfig) NewScheduler(opt core.Optimizer) core.Scheduler {
	return &linearLR{cfg: c, opt: opt}
}

type linearLR struct {
	cfg LinearLRConfig
	opt core.Optimizer
}

func (s *linearLR) Step(step int) {
	frac := util.Clamp(float64(step)/float64(s.cfg.Steps), 0, 1)
	s.opt.SetLR(s.cfg.StartLR + (s.cfg.EndLR-s.cfg.StartLR)*frac)
}
