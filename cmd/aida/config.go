package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/szaher/aida/internal/config"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long:  "Print the configuration after defaults, the config file, .env and AIDA_* variables are merged. Credentials are masked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, v, err := config.Load(config.Options{File: configFile})
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return fmt.Errorf("rendering config: %w", err)
			}
			if used := v.ConfigFileUsed(); used != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# from %s\n", used)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
