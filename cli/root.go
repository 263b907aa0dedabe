// Package cli wires the cobra commands of the asyncmongo tool.
package cli

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/asyncmongo/asyncmongo/config"
	"github.com/asyncmongo/asyncmongo/utils"
	"github.com/asyncmongo/asyncmongo/utils/log"
)

// app carries what every subcommand needs: the logger built after flag
// parsing and the resolved configuration.
type app struct {
	logger *zap.Logger
	cfg    *config.Config
}

// commands is filled by the platform files; subcommands that need an event
// loop only exist where one is implemented.
var commands []func(ctx context.Context, a *app) *cobra.Command

// Execute parses flags and runs the selected command.
func Execute(ctx context.Context) error {
	a := &app{cfg: config.Default()}

	root := &cobra.Command{
		Use:           "asyncmongo",
		Short:         "asyncmongo talks to a MongoDB server over the legacy wire protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := viper.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
				return err
			}
			if err := viper.Unmarshal(a.cfg); err != nil {
				return err
			}

			var err error
			if a.cfg.Debug {
				a.logger, err = log.NewDebug()
			} else {
				a.logger, err = log.New()
			}
			return err
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.String("host", a.cfg.Host, "server host")
	pf.Int("port", a.cfg.Port, "server port")
	pf.String("unix-path", "", "connect over a local domain socket instead of TCP")
	pf.String("source-addr", "", "bind the outgoing socket to this source address")
	pf.Bool("reuse-addr", false, "set SO_REUSEADDR on the bound source address")
	pf.Duration("timeout", 0, "connect timeout (stored in the configuration; the find command does not apply it)")
	pf.Bool("keep-alive", false, "enable TCP keepalive probing")
	pf.Int("keep-alive-interval", a.cfg.KeepAliveInterval, "keepalive idle time in seconds")
	pf.Bool("debug", false, "emit debug logs")

	viper.SetEnvPrefix("ASYNCMONGO")
	viper.AutomaticEnv()

	for _, c := range commands {
		root.AddCommand(c(ctx, a))
	}

	if err := root.ExecuteContext(ctx); err != nil {
		utils.LogError(a.logger, err, "command failed")
		return err
	}
	return nil
}
