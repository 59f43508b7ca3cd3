package policies

import (
	"fmt"
	"math"

	erand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/zeu5/embodied-rl/core"
	"github.com/zeu5/embodied-rl/tensor"
)

// Categorical is a batch of per-row softmax distributions over a discrete
// action space. Probabilities and log probabilities are materialized once
// from the logits with the usual max-shift for stability.
type Categorical struct {
	Logits *tensor.Tensor // [rows, n]
	probs  *tensor.Tensor // [rows, n]
	logp   *tensor.Tensor // [rows, n]
}

var _ core.Distribution = (*Categorical)(nil)

func NewCategorical(logits *tensor.Tensor) *Categorical {
	rows, n := logits.Dim(0), logits.Dim(1)
	probs := tensor.Zeros(rows, n)
	logp := tensor.Zeros(rows, n)
	for i := 0; i < rows; i++ {
		row := logits.Step(i)
		maxv := row[0]
		for _, v := range row {
			if v > maxv {
				maxv = v
			}
		}
		sum := 0.0
		prow := probs.Step(i)
		for j, v := range row {
			prow[j] = math.Exp(v - maxv)
			sum += prow[j]
		}
		lrow := logp.Step(i)
		logSum := math.Log(sum)
		for j := range prow {
			prow[j] /= sum
			lrow[j] = row[j] - maxv - logSum
		}
	}
	return &Categorical{Logits: logits, probs: probs, logp: logp}
}

// ProbsTensor exposes the per-row probabilities, [rows, n].
func (c *Categorical) ProbsTensor() *tensor.Tensor {
	return c.probs
}

// LogProbsTensor exposes the per-row log probabilities, [rows, n].
func (c *Categorical) LogProbsTensor() *tensor.Tensor {
	return c.logp
}

func (c *Categorical) Sample(rng *erand.Rand) *tensor.Tensor {
	rows := c.probs.Dim(0)
	out := tensor.Zeros(rows, 1)
	for i := 0; i < rows; i++ {
		w := sampleuv.NewWeighted(c.probs.Step(i), rng)
		j, ok := w.Take()
		if !ok {
			panic(fmt.Sprintf("categorical: no mass to sample from in row %d", i))
		}
		out.Set(float64(j), i, 0)
	}
	return out
}

func (c *Categorical) Mode() *tensor.Tensor {
	rows := c.probs.Dim(0)
	out := tensor.Zeros(rows, 1)
	for i := 0; i < rows; i++ {
		prow := c.probs.Step(i)
		best := 0
		for j, p := range prow {
			if p > prow[best] {
				best = j
			}
		}
		out.Set(float64(best), i, 0)
	}
	return out
}

func (c *Categorical) LogProbs(actions *tensor.Tensor) *tensor.Tensor {
	rows := c.logp.Dim(0)
	out := tensor.Zeros(rows, 1)
	for i := 0; i < rows; i++ {
		a := int(actions.At(i, 0))
		out.Set(c.logp.At(i, a), i, 0)
	}
	return out
}

func (c *Categorical) Entropy() *tensor.Tensor {
	rows := c.probs.Dim(0)
	out := tensor.Zeros(rows, 1)
	for i := 0; i < rows; i++ {
		prow := c.probs.Step(i)
		lrow := c.logp.Step(i)
		h := 0.0
		for j := range prow {
			if prow[j] > 0 {
				h -= prow[j] * lrow[j]
			}
		}
		out.Set(h, i, 0)
	}
	return out
}
