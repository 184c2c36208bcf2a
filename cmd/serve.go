package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/market-research/internal/api"
	"github.com/sells-group/market-research/internal/execctx"
	"github.com/sells-group/market-research/internal/ledger"
	"github.com/sells-group/market-research/internal/research"
	"github.com/sells-group/market-research/internal/worker"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the research API server",
	Long:  "Serves the research and credits API. With the local worker backend, accepted requests run in this process one at a time; with temporal they are handed to a worker.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		local := cfg.Worker.Backend == "local"
		env, err := initEnv(ctx, local)
		if err != nil {
			return err
		}
		defer env.Close()

		var drain func(context.Context) error
		if local {
			d := worker.NewLocal(context.WithoutCancel(ctx), env.Service, execctx.NewWorker())
			env.Service.SetDispatcher(d)
			drain = d.Wait
		} else {
			tc, err := worker.Dial(cfg.Worker)
			if err != nil {
				return err
			}
			defer tc.Close()
			env.Service.SetDispatcher(worker.NewTemporalDispatcher(tc, cfg.Worker))
		}

		sched := execctx.NewServe(cfg.Server.MaxInFlight)
		router := api.NewRouter(research.Async(env.Service, sched), ledger.Async(env.Ledger, sched), cfg.Server)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server",
			zap.Int("port", port),
			zap.String("worker_backend", cfg.Worker.Backend),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		if drain != nil {
			zap.L().Info("waiting for in-flight research to finish")
			if err := drain(context.Background()); err != nil {
				zap.L().Warn("local worker drain", zap.Error(err))
			}
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
