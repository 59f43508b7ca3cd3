package cmd

import (
	"context"
	"os"
	"os/signal"

	"time"

	"github.com/spf13/cobra"

	"github.com/zeu5/embodied-rl/experiments/gridnav"
	"github.com/zeu5/embodied-rl/onpolicy"
	"github.com/zeu5/embodied-rl/util"
)

func TrainCommand() *cobra.Command {
	var resumeFrom string
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the navigation policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt) // channel for interrupts from os

			doneCh := make(chan struct{}) // channel for done signal from application

			ctx, cancel := context.WithCancel(context.Background())
			go func() { // start a go-routine
				select { // can wait on multiple channels
				case <-sigCh:
				case <-doneCh:
				}
				cancel()
			}()

			var seedPtr *uint64
			if flags.Seed >= 0 {
				s := uint64(flags.Seed)
				seedPtr = &s
			}

			engine, err := onpolicy.NewEngine(
				gridnav.NewConfig(flags), flags.OutputDir, seedPtr, onpolicy.ModeTrain,
			)
			if err != nil {
				close(doneCh)
				return err
			}

			printer := util.NewProgressPrinter(250 * time.Millisecond)
			printer.Start(ctx)
			defer printer.Stop()
			engine.SetProgressWriter(printer)

			err = engine.RunPipeline(ctx, resumeFrom)
			close(doneCh)
			return err
		},
	}
	cmd.Flags().StringVar(&resumeFrom, "checkpoint", "", "Checkpoint file name to resume from")
	return cmd
}
