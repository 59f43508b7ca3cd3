package losses

import (
	"github.com/pkg/errors"

	"github.com/zeu5/embodied-rl/core"
	"github.com/zeu5/embodied-rl/policies"
)

// ImitationConfig constructs expert cross-entropy losses.
type ImitationConfig struct{}

var _ core.LossConstructor = ImitationConfig{}

func (ImitationConfig) NewLoss() core.Loss {
	return &Imitation{}
}

// Imitation is the cross-entropy between the policy and the expert's
// action, read from the expert sensor. Rows where the expert had no action
// available contribute nothing, and the mean runs over the rows that do.
type Imitation struct{}

var _ core.Loss = (*Imitation)(nil)

func (l *Imitation) Loss(batch *core.Batch, out *core.ActorCriticOutput, weight float64) (core.LossOutput, error) {
	dist, ok := out.Distributions.(categoricalOutput)
	if !ok {
		return core.LossOutput{}, errors.New("imitation loss requires a categorical action distribution")
	}
	expert, ok := batch.Observations.LeafAt(policies.ExpertActionSensor)
	if !ok {
		return core.LossOutput{}, errors.Errorf(
			"imitation loss requires the %q sensor", policies.ExpertActionSensor,
		)
	}

	probs := dist.ProbsTensor()
	logp := dist.LogProbsTensor()
	rows := probs.Dim(0)
	nActions := probs.Dim(1)

	valid := 0
	for i := 0; i < rows; i++ {
		if expert.At(i, 1) != 0 {
			valid++
		}
	}
	if valid == 0 {
		return core.LossOutput{
			Value: 0,
			Info:  map[string]float64{"expert_cross_entropy": 0, "valid_rows": 0},
		}, nil
	}
	inv := 1.0 / float64(valid)

	total := 0.0
	for i := 0; i < rows; i++ {
		if expert.At(i, 1) == 0 {
			continue
		}
		a := int(expert.At(i, 0))
		total -= logp.At(i, a) * inv

		gp := out.GradPrefs.Step(i)
		prow := probs.Step(i)
		for j := 0; j < nActions; j++ {
			g := prow[j] * inv
			if j == a {
				g -= inv
			}
			gp[j] += weight * g
		}
	}

	return core.LossOutput{
		Value: total,
		Info: map[string]float64{
			"expert_cross_entropy": total,
			"valid_rows":           float64(valid),
		},
	}, nil
}
