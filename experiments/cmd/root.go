package cmd

import "github.com/spf13/cobra"

func RootCommand() *cobra.Command {
	cmd := &cobra.Command{
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			UpdateFlags()
			if configFile != "" {
				if err := flags.LoadFile(configFile); err != nil {
					return err
				}
			}
			flags.Record()
			return nil
		},
	}
	AddFlags(cmd)

	cmd.AddCommand(
		TrainCommand(),
		EvaluateCommand(),
	)

	return cmd
}
