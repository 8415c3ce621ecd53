// Command worker is a thin entrypoint for symmetry with cmd/scheduler and
// cmd/ps; workers are normally embedded as a library (internal/worker)
// inside a training process rather than run standalone.
package main

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"kraken-go/internal/rpc"
	"kraken-go/internal/tensor"
	"kraken-go/internal/worker"
	"kraken-go/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "worker"}
	rootCmd.AddCommand(serveCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "connect to the scheduler and keep a warm cluster view",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			log := logrus.NewEntry(logrus.StandardLogger())

			pool := rpc.NewConnPool(&rpc.Dialer{Timeout: 5 * time.Second}, 8, 2*time.Minute)
			w := worker.New(cfg.Node.SchedulerAddr, pool, tensor.NewCPUDevice(0), nil)
			defer w.Close()

			if err := w.Refresh(cmd.Context()); err != nil {
				return err
			}
			log.Info("worker cluster view loaded")
			<-cmd.Context().Done()
			return nil
		},
	}
}
