package main

import (
	"context"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"kraken-go/internal/ps"
	"kraken-go/internal/rpc"
	"kraken-go/internal/tensor"
	"kraken-go/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "ps"}
	rootCmd.AddCommand(serveCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run one parameter-server shard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			log := logrus.NewEntry(logrus.StandardLogger())

			device := tensor.NewCPUDevice(0)
			srv := ps.New(cfg.Node.ID, device, cfg.PS.Stripes, cfg.PS.CheckpointDir, log)
			defer srv.Close()

			if err := registerWithScheduler(cmd.Context(), cfg); err != nil {
				return err
			}

			ln, err := net.Listen("tcp", cfg.Node.ListenAddr)
			if err != nil {
				return err
			}
			log.WithField("addr", cfg.Node.ListenAddr).Info("ps listening")
			return serveLoop(cmd.Context(), ln, srv, log)
		},
	}
}

func registerWithScheduler(ctx context.Context, cfg *config.Config) error {
	pool := rpc.NewConnPool(&rpc.Dialer{}, 1, 0)
	defer pool.Close()
	req := rpc.RegisterPSRequest{Addr: cfg.Node.ListenAddr}
	_, err := rpc.CallAt(ctx, pool, cfg.Node.SchedulerAddr, rpc.OpRegisterPS, 0, req.Marshal())
	return err
}

func serveLoop(ctx context.Context, ln net.Listener, srv *ps.Server, log *logrus.Entry) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go func() {
			if err := rpc.Serve(ctx, conn, srv.Handle); err != nil {
				log.WithError(err).Debug("connection closed")
			}
		}()
	}
}
