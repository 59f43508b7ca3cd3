package cmd

import (
	"github.com/spf13/cobra"

	"github.com/zeu5/embodied-rl/experiments/gridnav"
	"github.com/zeu5/embodied-rl/onpolicy"
)

func EvaluateCommand() *cobra.Command {
	var checkpointFile string
	cmd := &cobra.Command{
		Use:   "evaluate <experiment-date>",
		Args:  cobra.ExactArgs(1),
		Short: "Evaluate the checkpoints of a training run on the test scenes",
		RunE: func(cmd *cobra.Command, args []string) error {
			var seedPtr *uint64
			if flags.Seed >= 0 {
				s := uint64(flags.Seed)
				seedPtr = &s
			}

			engine, err := onpolicy.NewEngine(
				gridnav.NewConfig(flags), flags.OutputDir, seedPtr, onpolicy.ModeTest,
			)
			if err != nil {
				return err
			}
			defer engine.Close()

			return engine.RunTest(
				args[0], checkpointFile, flags.SkipCheckpoints, flags.TestRolloutSteps,
			)
		},
	}
	cmd.Flags().StringVar(&checkpointFile, "checkpoint", "", "Evaluate a single checkpoint instead of the whole run")
	return cmd
}
