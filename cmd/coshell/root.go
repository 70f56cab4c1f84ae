package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/samsamfire/coshell/internal/config"
	"github.com/samsamfire/coshell/internal/shell"
	"github.com/samsamfire/coshell/pkg/node"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var (
		cfgFile string
		debug   bool
	)
	cmd := &cobra.Command{
		Use:   "coshell [startup commands...]",
		Short: "Interactive CANopen master shell",
		Long: `coshell opens a CANopen node on a CAN bus and reads commands from stdin.
Startup commands are run before the prompt, without the leading dot,
e.g. coshell "load#socketcan,can0,500K,1,1" "info#0a".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if cfgFile != "" {
				loaded, err := config.Load(cfgFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				cfg = loaded
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			level, err := log.ParseLevel(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if debug {
				level = log.DebugLevel
			}
			log.SetLevel(level)
			log.SetOutput(cmd.ErrOrStderr())

			session := shell.NewSession(shell.Options{
				Out:             cmd.OutOrStdout(),
				Opener:          newOpener(cfg),
				TransferTimeout: time.Duration(cfg.SdoTimeoutMs) * time.Millisecond,
				FocusNode:       cfg.FocusNode,
				Prompt:          cfg.Prompt,
				DefaultBus: shell.BusParams{
					Driver:   cfg.Bus.Driver,
					Channel:  cfg.Bus.Channel,
					Baudrate: cfg.Bus.Baudrate,
					NodeId:   cfg.Bus.NodeId,
					Master:   cfg.Bus.IsMaster(),
				},
			})
			ctx := cmd.Context()
			runErr := session.Start(ctx, args)
			if errors.Is(runErr, shell.ErrBusOpenFailed) {
				return runErr
			}
			if runErr == nil {
				runErr = session.Run(ctx, cmd.InOrStdin())
			} else if errors.Is(runErr, shell.ErrQuit) {
				runErr = nil
			}
			if err := session.Shutdown(); err != nil && !errors.Is(err, node.ErrClosed) {
				log.Warnf("[SHELL] shutdown : %v", err)
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "yaml configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logs")
	return cmd
}
