package gridnav

import (
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/zeu5/embodied-rl/core"
	"github.com/zeu5/embodied-rl/experiments/common"
	"github.com/zeu5/embodied-rl/losses"
	"github.com/zeu5/embodied-rl/onpolicy"
	"github.com/zeu5/embodied-rl/policies"
	"github.com/zeu5/embodied-rl/util"
)

// featureSize is the width of the policy input: agent position plus goal
// offset, both 2-d. The expert sensor is supervision, not input.
const featureSize = 4

// Config is the grid point-goal navigation experiment: a DAgger warmup
// with decaying teacher forcing, a mixed PPO+imitation stage, then pure
// PPO.
type Config struct {
	Flags *common.Flags

	DaggerSteps int
	MixedSteps  int
	PPOSteps    int

	SaveInterval int
	LogInterval  int
}

var _ onpolicy.ExperimentConfig = (*Config)(nil)

func NewConfig(flags *common.Flags) *Config {
	return &Config{
		Flags:        flags,
		DaggerSteps:  30000,
		MixedSteps:   30000,
		PPOSteps:     60000,
		SaveInterval: 20000,
		LogInterval:  5000,
	}
}

func (c *Config) Tag() string {
	return "gridnav"
}

func (c *Config) TrainingPipeline() (*onpolicy.TrainingPipeline, error) {
	totalSteps := c.DaggerSteps + c.MixedSteps + c.PPOSteps
	return &onpolicy.TrainingPipeline{
		NamedLosses: map[string]core.LossConstructor{
			"ppo_loss":       losses.DefaultPPOConfig(),
			"imitation_loss": losses.ImitationConfig{},
		},
		Stages: []*onpolicy.PipelineStage{
			{
				LossNames: []string{"imitation_loss"},
				TeacherForcing: &onpolicy.LinearDecay{
					StartP: 1.0, EndP: 0.0, Steps: c.DaggerSteps,
				},
				MaxStageSteps: c.DaggerSteps,
			},
			{
				LossNames:     []string{"ppo_loss", "imitation_loss"},
				LossWeights:   []float64{1.0, 0.5},
				MaxStageSteps: c.MixedSteps,
			},
			{
				LossNames:     []string{"ppo_loss"},
				MaxStageSteps: c.PPOSteps,
			},
		},
		Optimizer: policies.DefaultAdamConfig(0.05),
		Scheduler: policies.LinearLRConfig{
			StartLR: 0.05, EndLR: 0.005, Steps: totalSteps,
		},
		SaveInterval: c.SaveInterval,
		LogInterval:  c.LogInterval,
		Tunables: onpolicy.Tunables{
			NumSteps:      util.IntPtr(30),
			UpdateRepeats: util.IntPtr(3),
			NumMiniBatch:  util.IntPtr(1),
			Gamma:         util.Float64Ptr(0.99),
			UseGAE:        util.BoolPtr(true),
			GAELambda:     util.Float64Ptr(0.95),
			MaxGradNorm:   util.Float64Ptr(0.5),
		},
	}, nil
}

func (c *Config) MachineParams(mode onpolicy.Mode) (onpolicy.MachineParams, error) {
	switch mode {
	case onpolicy.ModeTrain:
		return onpolicy.MachineParams{NumProcesses: c.Flags.TrainProcesses}, nil
	case onpolicy.ModeValid:
		return onpolicy.MachineParams{NumProcesses: c.Flags.ValidProcesses}, nil
	case onpolicy.ModeTest:
		return onpolicy.MachineParams{NumProcesses: c.Flags.TestProcesses}, nil
	}
	return onpolicy.MachineParams{}, errors.Errorf("unknown mode %q", mode)
}

func (c *Config) CreateModel() core.ActorCritic {
	return policies.NewLinearActorCritic(core.Discrete(NumActions), featureSize, 0.5)
}

func (c *Config) MakeSamplerFn() core.SamplerConstructor {
	return SamplerBuilder{}
}

// shardScenes splits count scenes starting at base into contiguous
// near-equal worker shards. With fewer scenes than workers the scenes are
// reused round-robin, which biases sampling toward the duplicated scenes.
func shardScenes(base, count, processInd, totalProcesses int) []int {
	if count >= totalProcesses {
		inds := util.PartitionInds(count, totalProcesses)
		scenes := make([]int, 0, inds[processInd+1]-inds[processInd])
		for i := inds[processInd]; i < inds[processInd+1]; i++ {
			scenes = append(scenes, base+i)
		}
		return scenes
	}
	glog.Warningf(
		"oversampling %d scenes across %d workers, sampling will be biased",
		count, totalProcesses,
	)
	return []int{base + processInd%count}
}

func (c *Config) samplerArgs(spec core.SamplerArgsSpec, base, count int, loop bool) core.SamplerArgs {
	seed := uint64(spec.ProcessInd + 1)
	if spec.Seeds != nil {
		seed = spec.Seeds[spec.ProcessInd]
	}
	return SamplerConfig{
		GridSize:        c.Flags.GridSize,
		MaxEpisodeSteps: c.Flags.MaxEpisodeSteps,
		StepPenalty:     c.Flags.StepPenalty,
		ShapingScale:    c.Flags.ShapingScale,
		GoalReward:      c.Flags.GoalReward,
		SceneInds:       shardScenes(base, count, spec.ProcessInd, spec.TotalProcesses),
		Loop:            loop,
		Seed:            seed,
	}
}

func (c *Config) TrainTaskSamplerArgs(spec core.SamplerArgsSpec) core.SamplerArgs {
	return c.samplerArgs(spec, 0, c.Flags.TrainScenes, true)
}

func (c *Config) ValidTaskSamplerArgs(spec core.SamplerArgsSpec) core.SamplerArgs {
	return c.samplerArgs(spec, c.Flags.TrainScenes, c.Flags.ValidScenes, false)
}

func (c *Config) TestTaskSamplerArgs(spec core.SamplerArgsSpec) core.SamplerArgs {
	return c.samplerArgs(spec, c.Flags.TrainScenes+c.Flags.ValidScenes, c.Flags.TestScenes, false)
}
