package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"burrow/internal/config"
)

var configFlags struct {
	output string
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Work with configuration files",
}

var configExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Print a configuration file holding the defaults",
	Long: `Print a commented configuration file holding every default value.

Examples:
  # Print to stdout
  burrow config example

  # Write to a file
  burrow config example --output burrow.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		example := config.NewLoader().GenerateExample()
		if configFlags.output == "" {
			fmt.Fprint(cmd.OutOrStdout(), example)
			return nil
		}
		if err := os.WriteFile(configFlags.output, []byte(example), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", configFlags.output, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configFlags.output)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file := cfgFile
		if len(args) == 1 {
			file = args[0]
		}
		if file == "" {
			return fmt.Errorf("no configuration file given")
		}

		if err := config.NewLoader().ValidateFile(file); err != nil {
			return fmt.Errorf("%s: %w", file, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: configuration valid\n", file)
		return nil
	},
}

func init() {
	configExampleCmd.Flags().StringVarP(&configFlags.output, "output", "o", "", "write to file instead of stdout")
	configCmd.AddCommand(configExampleCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}
