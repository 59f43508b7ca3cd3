package policies

import (
	"math"
	"testing"

	erand "golang.org/x/exp/rand"

	"github.com/zeu5/embodied-rl/tensor"
)

func TestCategoricalProbsAndMode(t *testing.T) {
	dist := NewCategorical(tensor.FromSlice([]float64{
		0, 0, 0,
		1, 2, 3,
	}, 2, 3))

	probs := dist.ProbsTensor()
	for i := 0; i < 2; i++ {
		sum := 0.0
		for j := 0; j < 3; j++ {
			sum += probs.At(i, j)
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("row %d probabilities sum to %v", i, sum)
		}
	}
	for j := 0; j < 3; j++ {
		if math.Abs(probs.At(0, j)-1.0/3) > 1e-12 {
			t.Errorf("uniform prob[0][%d] = %v", j, probs.At(0, j))
		}
	}

	mode := dist.Mode()
	if mode.At(0, 0) != 0 || mode.At(1, 0) != 2 {
		t.Errorf("modes = (%v, %v), want (0, 2)", mode.At(0, 0), mode.At(1, 0))
	}
}

func TestCategoricalLogProbsAndEntropy(t *testing.T) {
	dist := NewCategorical(tensor.FromSlice([]float64{0, 0}, 1, 2))

	lp := dist.LogProbs(tensor.FromSlice([]float64{1}, 1, 1))
	if math.Abs(lp.At(0, 0)-math.Log(0.5)) > 1e-12 {
		t.Errorf("log prob = %v, want log(0.5)", lp.At(0, 0))
	}

	h := dist.Entropy()
	if math.Abs(h.At(0, 0)-math.Log(2)) > 1e-12 {
		t.Errorf("entropy = %v, want log(2)", h.At(0, 0))
	}
}

func TestCategoricalSampleRespectsSupport(t *testing.T) {
	// All mass on action 1; every sample must land there.
	dist := NewCategorical(tensor.FromSlice([]float64{-100, 10, -100}, 1, 3))
	rng := erand.New(erand.NewSource(5))
	for i := 0; i < 20; i++ {
		if got := dist.Sample(rng).At(0, 0); got != 1 {
			t.Fatalf("sample %d = %v, want 1", i, got)
		}
	}
}
