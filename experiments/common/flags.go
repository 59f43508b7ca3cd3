package common

import (
	"os"
	"path"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/zeu5/embodied-rl/util"
)

type Flags struct {
	TaskFlags `yaml:"task"`
	OutputDir string `yaml:"output_dir"`
	RunFlags  `yaml:"run"`
}

type TaskFlags struct {
	GridSize        int     `yaml:"grid_size"`
	MaxEpisodeSteps int     `yaml:"max_episode_steps"`
	StepPenalty     float64 `yaml:"step_penalty"`
	ShapingScale    float64 `yaml:"shaping_scale"`
	GoalReward      float64 `yaml:"goal_reward"`
	TrainScenes     int     `yaml:"train_scenes"`
	ValidScenes     int     `yaml:"valid_scenes"`
	TestScenes      int     `yaml:"test_scenes"`
}

type RunFlags struct {
	TrainProcesses   int   `yaml:"train_processes"`
	ValidProcesses   int   `yaml:"valid_processes"`
	TestProcesses    int   `yaml:"test_processes"`
	Seed             int64 `yaml:"seed"`
	SkipCheckpoints  int   `yaml:"skip_checkpoints"`
	TestRolloutSteps int   `yaml:"test_rollout_steps"`
}

func DefaultFlags() *Flags {
	return &Flags{
		TaskFlags: TaskFlags{
			GridSize:        10,
			MaxEpisodeSteps: 60,
			StepPenalty:     0.01,
			ShapingScale:    0.1,
			GoalReward:      1.0,
			TrainScenes:     64,
			ValidScenes:     16,
			TestScenes:      16,
		},
		OutputDir: "results",
		RunFlags: RunFlags{
			TrainProcesses:   4,
			ValidProcesses:   1,
			TestProcesses:    1,
			Seed:             12345,
			SkipCheckpoints:  0,
			TestRolloutSteps: 1,
		},
	}
}

// LoadFile overlays values from a YAML config file onto the flags.
func (f *Flags) LoadFile(file string) error {
	bs, err := os.ReadFile(file)
	if err != nil {
		return errors.Wrapf(err, "reading config file %s", file)
	}
	if err := yaml.Unmarshal(bs, f); err != nil {
		return errors.Wrapf(err, "parsing config file %s", file)
	}
	return nil
}

// Record writes the resolved flags next to the run's outputs.
func (f *Flags) Record() {
	util.SaveJson(path.Join(f.OutputDir, "config.json"), f)
}
