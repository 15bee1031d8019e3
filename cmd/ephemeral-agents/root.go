package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/determined-ai/ephemeral-agents/pkg/logger"
)

const envPrefix = "EPHEMERAL_"

var version = "dev"

func newRootCmd() *cobra.Command {
	v := viper.New()
	logConfig := logger.DefaultConfig()

	cmd := &cobra.Command{
		Use:     "ephemeral-agents",
		Short:   "provision single-use, container-backed build agents",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := bindEnv(cmd); err != nil {
				return err
			}
			logger.SetLogrus(logConfig)
			return nil
		},
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&logConfig.Level, "level", logConfig.Level,
		"set the logging level (can be one of: trace, debug, info, warn, error, or fatal)")
	flags.BoolVar(&logConfig.Color, "color", logConfig.Color, "enable colored output")
	flags.BoolVar(&logConfig.Structured, "structured", logConfig.Structured,
		"enable structured logging")
	bindFlags(v, flags, map[string]string{
		"level":      "log.level",
		"color":      "log.color",
		"structured": "log.structured",
	})

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd(v))
	return cmd
}
