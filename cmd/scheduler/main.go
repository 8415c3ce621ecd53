package main

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"kraken-go/internal/optim"
	"kraken-go/internal/rpc"
	"kraken-go/internal/scheduler"
	"kraken-go/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "scheduler"}
	rootCmd.AddCommand(serveCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the scheduler control-plane node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			log := logrus.NewEntry(logrus.StandardLogger())

			kind, optCfg := optimFromConfig(cfg)
			pool := rpc.NewConnPool(&rpc.Dialer{Timeout: 5 * time.Second}, 4, 2*time.Minute)
			sched := scheduler.New(cfg.Router.VirtualReplicas, kind, optCfg, pool, log)
			defer sched.Close()

			ln, err := net.Listen("tcp", cfg.Node.ListenAddr)
			if err != nil {
				return err
			}
			log.WithField("addr", cfg.Node.ListenAddr).Info("scheduler listening")
			return serveLoop(cmd.Context(), ln, sched, log)
		},
	}
}

func serveLoop(ctx context.Context, ln net.Listener, sched *scheduler.Scheduler, log *logrus.Entry) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go func() {
			if err := rpc.Serve(ctx, conn, sched.Handle); err != nil {
				log.WithError(err).Debug("connection closed")
			}
		}()
	}
}

func optimFromConfig(cfg *config.Config) (optim.Kind, optim.Config) {
	kind := optim.SGD
	switch cfg.Optimizer.Kind {
	case "adagrad":
		kind = optim.Adagrad
	case "rmsprop":
		kind = optim.RMSprop
	case "adam":
		kind = optim.Adam
	}
	return kind, optim.Config{
		Eps:         cfg.Optimizer.Eps,
		Beta1:       cfg.Optimizer.Beta1,
		Beta2:       cfg.Optimizer.Beta2,
		WeightDecay: cfg.Optimizer.WeightDecay,
		Centered:    cfg.Optimizer.Centered,
		AMSGrad:     cfg.Optimizer.AMSGrad,
	}
}
