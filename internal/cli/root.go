/*
 * Copyright 2026 The earlymem Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package cli implements the earlymemctl commands.
package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// The prefix for configuration keys inside environment.
	envPrefix = "EARLYMEM"

	flagNameLogLevel = "log-level"
)

type baseConfiguration struct {
	LogLevel string

	log *logrus.Logger
}

// New creates the earlymemctl root command.
func New() *cobra.Command {
	config := &baseConfiguration{}
	baseCmd := &cobra.Command{
		Use:           "earlymemctl",
		Short:         "Inspect the boot time early allocator",
		Long:          `earlymemctl replays allocation traces against the early allocator and shows how the extent is split.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initializeConfig(cmd); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			if err := config.initLogger(cmd); err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}
			return nil
		},
	}
	baseCmd.PersistentFlags().StringVar(&config.LogLevel, flagNameLogLevel, "warning", "logging level, one of: debug, info, warning, error")

	baseCmd.AddCommand(newSimulateCmd(config))
	return baseCmd
}

func (config *baseConfiguration) initLogger(cmd *cobra.Command) error {
	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return err
	}
	log := logrus.New()
	log.SetOutput(cmd.ErrOrStderr())
	log.SetLevel(level)
	config.log = log
	return nil
}

// initializeConfig binds flags of cmd to EARLYMEM_* environment variables.
func initializeConfig(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	return bindFlags(cmd, v)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var bindFlagErr []error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		// Environment variables can't have dashes in them, so bind them to their equivalent
		// keys with underscores, e.g. --page-size to EARLYMEM_PAGE_SIZE
		if strings.Contains(f.Name, "-") {
			envVarSuffix := strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
			if err := v.BindEnv(f.Name, fmt.Sprintf("%s_%s", envPrefix, envVarSuffix)); err != nil {
				bindFlagErr = append(bindFlagErr, fmt.Errorf("binding env to flag %q: %w", f.Name, err))
				return
			}
		}

		// Apply the viper config value to the flag when the flag is not set and viper has a value
		if !f.Changed && v.IsSet(f.Name) {
			val := v.Get(f.Name)
			if err := cmd.Flags().Set(f.Name, fmt.Sprintf("%v", val)); err != nil {
				bindFlagErr = append(bindFlagErr, fmt.Errorf("setting flag %q value: %w", f.Name, err))
				return
			}
		}
	})

	return errors.Join(bindFlagErr...)
}
