// Package commands implements the marcus CLI.
package commands

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/marcushq/marcus/internal/app"
	"github.com/marcushq/marcus/internal/logging"
	"github.com/marcushq/marcus/internal/marcuserr"
)

// Exit codes. Configuration problems and storage corruption get their own
// codes so supervisors can tell a bad config from a damaged database.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitConfiguration = 2
	ExitStorage       = 3
)

// ExitCode maps an Execute error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch marcuserr.KindOf(err) {
	case marcuserr.KindConfiguration:
		return ExitConfiguration
	case marcuserr.KindStorage:
		return ExitStorage
	}
	return ExitFailure
}

// Execute runs the CLI application.
func Execute(version string) error {
	var logLevel string
	var console bool

	root := &cobra.Command{
		Use:           "marcus",
		Short:         "Multi-agent coordination server (task graph, leases, assignment)",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.Init(logging.Config{Level: logLevel, Console: console})
			return app.EnsureConfigDir()
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&console, "log-console", false, "Human-readable logs instead of JSON")
	// Accept snake_case spellings of the flags too.
	root.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	root.AddCommand(NewServerCmd())
	root.AddCommand(NewConfigCmd())

	err := root.Execute()
	if err != nil {
		var me *marcuserr.Error
		logger := logging.WithComponent("cli")
		if errors.As(err, &me) {
			logger.Error().
				Str("kind", string(me.Kind)).
				Msg(me.Message)
		} else {
			logger.Error().Err(err).Msg("command failed")
		}
	}
	return err
}
