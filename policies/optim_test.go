package policies

import (
	"math"
	"testing"

	"github.com/zeu5/embodied-rl/core"
)

func TestAdamStepsAgainstGradient(t *testing.T) {
	p := core.NewParameter("w", 1)
	p.Grad[0] = 1.0
	opt := DefaultAdamConfig(0.1).NewOptimizer([]*core.Parameter{p})

	opt.Step()
	if p.Data[0] >= 0 {
		t.Errorf("parameter after step = %v, want negative", p.Data[0])
	}
	if math.Abs(p.Data[0]+0.1) > 1e-6 {
		t.Errorf("bias-corrected first step = %v, want about -0.1", p.Data[0])
	}
}

func TestAdamStateDictRoundTrip(t *testing.T) {
	p := core.NewParameter("w", 2)
	p.Grad[0], p.Grad[1] = 1, -1
	opt := DefaultAdamConfig(0.1).NewOptimizer([]*core.Parameter{p})
	opt.Step()
	opt.SetLR(0.05)
	state := opt.StateDict()

	q := core.NewParameter("w", 2)
	opt2 := DefaultAdamConfig(0.1).NewOptimizer([]*core.Parameter{q})
	if err := opt2.LoadStateDict(state); err != nil {
		t.Fatal(err)
	}
	if opt2.LR() != 0.05 {
		t.Errorf("restored lr = %v, want 0.05", opt2.LR())
	}

	// Same gradients after restore must produce the same update.
	p2 := p.Data[0]
	p.Grad[0], q.Grad[0] = 0.5, 0.5
	p.Grad[1], q.Grad[1] = 0.5, 0.5
	opt.SetLR(0.05)
	q.Data[0] = p2
	opt.Step()
	opt2.Step()
	if math.Abs(p.Data[0]-q.Data[0]) > 1e-12 {
		t.Errorf("restored optimizer diverged: %v vs %v", p.Data[0], q.Data[0])
	}

	if err := opt2.LoadStateDict(map[string][]float64{}); err == nil {
		t.Error("empty state dict was accepted")
	}
}

func TestLinearLRSchedule(t *testing.T) {
	p := core.NewParameter("w", 1)
	opt := DefaultAdamConfig(0.1).NewOptimizer([]*core.Parameter{p})
	sched := LinearLRConfig{StartLR: 0.1, EndLR: 0.01, Steps: 100}.NewScheduler(opt)

	sched.Step(0)
	if opt.LR() != 0.1 {
		t.Errorf("lr at 0 = %v, want 0.1", opt.LR())
	}
	sched.Step(50)
	if math.Abs(opt.LR()-0.055) > 1e-12 {
		t.Errorf("lr at 50 = %v, want 0.055", opt.LR())
	}
	sched.Step(1000)
	if opt.LR() != 0.01 {
		t.Errorf("lr past end = %v, want 0.01", opt.LR())
	}
}
