package cmd

import (
	"github.com/spf13/cobra"

	"github.com/zeu5/embodied-rl/experiments/common"
)

var (
	flags      *common.Flags = common.DefaultFlags()
	configFile string

	outputDir       string
	gridSize        int
	maxEpisodeSteps int
	stepPenalty     float64
	shapingScale    float64
	goalReward      float64
	trainScenes     int
	validScenes     int
	testScenes      int

	trainProcesses   int
	validProcesses   int
	testProcesses    int
	seed             int64
	skipCheckpoints  int
	testRolloutSteps int
)

func AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file, overrides command line flags")
	cmd.PersistentFlags().StringVar(&outputDir, "output-dir", flags.OutputDir, "Directory for checkpoints and metrics")
	cmd.PersistentFlags().IntVar(&gridSize, "grid-size", flags.GridSize, "Side length of the navigation grid")
	cmd.PersistentFlags().IntVar(&maxEpisodeSteps, "max-episode-steps", flags.MaxEpisodeSteps, "Episode step limit")
	cmd.PersistentFlags().Float64Var(&stepPenalty, "step-penalty", flags.StepPenalty, "Per-step reward penalty")
	cmd.PersistentFlags().Float64Var(&shapingScale, "shaping-scale", flags.ShapingScale, "Reward per unit of distance closed")
	cmd.PersistentFlags().Float64Var(&goalReward, "goal-reward", flags.GoalReward, "Terminal reward for reaching the goal")
	cmd.PersistentFlags().IntVar(&trainScenes, "train-scenes", flags.TrainScenes, "Number of training scenes")
	cmd.PersistentFlags().IntVar(&validScenes, "valid-scenes", flags.ValidScenes, "Number of validation scenes")
	cmd.PersistentFlags().IntVar(&testScenes, "test-scenes", flags.TestScenes, "Number of test scenes")

	cmd.PersistentFlags().IntVar(&trainProcesses, "train-processes", flags.TrainProcesses, "Number of training workers")
	cmd.PersistentFlags().IntVar(&validProcesses, "valid-processes", flags.ValidProcesses, "Number of validation workers, 0 disables validation")
	cmd.PersistentFlags().IntVar(&testProcesses, "test-processes", flags.TestProcesses, "Number of test workers")
	cmd.PersistentFlags().Int64Var(&seed, "seed", flags.Seed, "Global seed, negative for unseeded runs")
	cmd.PersistentFlags().IntVar(&skipCheckpoints, "skip-checkpoints", flags.SkipCheckpoints, "Checkpoints to skip between test evaluations")
	cmd.PersistentFlags().IntVar(&testRolloutSteps, "test-rollout-steps", flags.TestRolloutSteps, "Rollout length during test evaluation")
}

func UpdateFlags() {
	flags.OutputDir = outputDir
	flags.GridSize = gridSize
	flags.MaxEpisodeSteps = maxEpisodeSteps
	flags.StepPenalty = stepPenalty
	flags.ShapingScale = shapingScale
	flags.GoalReward = goalReward
	flags.TrainScenes = trainScenes
	flags.ValidScenes = validScenes
	flags.TestScenes = testScenes

	flags.TrainProcesses = trainProcesses
	flags.ValidProcesses = validProcesses
	flags.TestProcesses = testProcesses
	flags.Seed = seed
	flags.SkipCheckpoints = skipCheckpoints
	flags.TestRolloutSteps = testRolloutSteps
}
