package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/coalesce/pkg/config"
	"github.com/ajitpratap0/coalesce/pkg/errors"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}

	var path string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file holding the defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(path); err == nil && !force {
				return errors.New(errors.ErrorTypeConfig, "configuration file already exists, use --force to overwrite").
					WithDetail("path", path)
			}
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&path, "path", "coalesce.yaml", "Destination of the configuration file")
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	cmd.AddCommand(initCmd)
	return cmd
}
