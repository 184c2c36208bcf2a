package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	sdkworker "go.temporal.io/sdk/worker"

	"github.com/sells-group/market-research/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Temporal research worker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer env.Close()

		tc, err := worker.Dial(cfg.Worker)
		if err != nil {
			return err
		}
		defer tc.Close()

		w := worker.NewTemporalWorker(tc, cfg.Worker, env.Service)
		zap.L().Info("starting temporal worker",
			zap.String("host", cfg.Worker.TemporalHost),
			zap.String("task_queue", cfg.Worker.TaskQueue),
		)
		if err := w.Run(sdkworker.InterruptCh()); err != nil {
			return eris.Wrap(err, "temporal worker")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
