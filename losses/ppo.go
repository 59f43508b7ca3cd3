package losses

import (
	"math"

	"github.com/pkg/errors"

	"github.com/zeu5/embodied-rl/core"
	"github.com/zeu5/embodied-rl/tensor"
	"github.com/zeu5/embodied-rl/util"
)

// categoricalOutput is what the discrete losses need from a distribution
// beyond the core contract: the full probability tables, for analytic
// softmax gradients.
type categoricalOutput interface {
	ProbsTensor() *tensor.Tensor
	LogProbsTensor() *tensor.Tensor
}

// PPOConfig constructs clipped-surrogate PPO losses.
type PPOConfig struct {
	ClipParam           float64
	ValueLossCoef       float64
	EntropyCoef         float64
	UseClippedValueLoss bool
}

var _ core.LossConstructor = PPOConfig{}

func DefaultPPOConfig() PPOConfig {
	return PPOConfig{
		ClipParam:           0.1,
		ValueLossCoef:       0.5,
		EntropyCoef:         0.01,
		UseClippedValueLoss: true,
	}
}

func (c PPOConfig) NewLoss() core.Loss {
	return &PPO{cfg: c}
}

// PPO is the clipped-surrogate policy gradient loss with a value loss and
// an entropy bonus. Gradients with respect to the action preferences and
// value estimates are accumulated analytically into the output's grad
// buffers; the surrogate's min and the value clip select which branch the
// gradient flows through.
type PPO struct {
	cfg PPOConfig
}

var _ core.Loss = (*PPO)(nil)

func (l *PPO) Loss(batch *core.Batch, out *core.ActorCriticOutput, weight float64) (core.LossOutput, error) {
	dist, ok := out.Distributions.(categoricalOutput)
	if !ok {
		return core.LossOutput{}, errors.New("ppo loss requires a categorical action distribution")
	}
	probs := dist.ProbsTensor()
	logp := dist.LogProbsTensor()

	rows := batch.Actions.Dim(0)
	nActions := probs.Dim(1)
	inv := 1.0 / float64(rows)

	actionLoss := 0.0
	valueLoss := 0.0
	entropy := 0.0

	for i := 0; i < rows; i++ {
		a := int(batch.Actions.At(i, 0))
		prow := probs.Step(i)
		lrow := logp.Step(i)
		adv := batch.NormAdvTarg.At(i, 0)

		ratio := math.Exp(lrow[a] - batch.OldActionLogProbs.At(i, 0))
		clipped := util.Clamp(ratio, 1-l.cfg.ClipParam, 1+l.cfg.ClipParam)
		surr1 := ratio * adv
		surr2 := clipped * adv
		actionLoss -= math.Min(surr1, surr2) * inv

		// d(-surr)/dlogp[a]; zero when the clipped branch is active and
		// flat.
		var gLogpA float64
		if surr1 <= surr2 {
			gLogpA = -ratio * adv * inv
		} else if clipped == ratio {
			gLogpA = -ratio * adv * inv
		}

		h := 0.0
		for j := 0; j < nActions; j++ {
			if prow[j] > 0 {
				h -= prow[j] * lrow[j]
			}
		}
		entropy += h * inv

		gp := out.GradPrefs.Step(i)
		for j := 0; j < nActions; j++ {
			// Surrogate term through the softmax.
			g := -gLogpA * prow[j]
			if j == a {
				g += gLogpA
			}
			// Entropy bonus: dH/dlogit_j = -p_j (logp_j + H).
			g += l.cfg.EntropyCoef * prow[j] * (lrow[j] + h) * inv
			gp[j] += weight * g
		}

		newV := out.Values.At(i, 0)
		oldV := batch.Values.At(i, 0)
		ret := batch.Returns.At(i, 0)
		if l.cfg.UseClippedValueLoss {
			vClipped := oldV + util.Clamp(newV-oldV, -l.cfg.ClipParam, l.cfg.ClipParam)
			unclippedSq := (newV - ret) * (newV - ret)
			clippedSq := (vClipped - ret) * (vClipped - ret)
			valueLoss += 0.5 * math.Max(unclippedSq, clippedSq) * inv
			var gv float64
			if unclippedSq >= clippedSq {
				gv = (newV - ret) * inv
			} else if vClipped == newV {
				gv = (vClipped - ret) * inv
			}
			out.GradValues.Set(
				out.GradValues.At(i, 0)+weight*l.cfg.ValueLossCoef*gv, i, 0,
			)
		} else {
			valueLoss += 0.5 * (newV - ret) * (newV - ret) * inv
			out.GradValues.Set(
				out.GradValues.At(i, 0)+weight*l.cfg.ValueLossCoef*(newV-ret)*inv, i, 0,
			)
		}
	}

	total := actionLoss + l.cfg.ValueLossCoef*valueLoss - l.cfg.EntropyCoef*entropy
	return core.LossOutput{
		Value: total,
		Info: map[string]float64{
			"ppo_total": total,
			"action":    actionLoss,
			"value":     valueLoss,
			"entropy":   entropy,
		},
	}, nil
}
