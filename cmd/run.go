package main

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/market-research/internal/execctx"
	"github.com/sells-group/market-research/internal/model"
	"github.com/sells-group/market-research/internal/research"
)

var (
	runIdea   string
	runDepth  string
	runUser   string
	runOutput string
)

// heldDispatcher keeps the submitted job so the command can execute it in
// the foreground.
type heldDispatcher struct {
	job *model.Job
}

func (d *heldDispatcher) Dispatch(_ context.Context, job model.Job) error {
	d.job = &job
	return nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Research a single product idea and print the outcome",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, true)
		if err != nil {
			return err
		}
		defer env.Close()

		held := &heldDispatcher{}
		env.Service.SetDispatcher(held)

		task, err := env.Service.Submit(ctx, research.Request{
			ProductIdea: runIdea,
			Depth:       model.Depth(runDepth),
			UserID:      runUser,
		})
		if err != nil {
			return eris.Wrap(err, "submit")
		}
		zap.L().Info("research started",
			zap.String("request_id", task.RequestID),
			zap.String("depth", string(task.Depth)),
			zap.Int("credits_required", task.CreditsRequired),
		)

		outcome, err := execctx.Do(ctx, execctx.NewWorker(), func(ctx context.Context) (*model.Outcome, error) {
			return env.Service.Execute(ctx, *held.job)
		})
		if outcome != nil {
			zap.L().Info("research finished",
				zap.String("request_id", outcome.RequestID),
				zap.String("status", string(outcome.Status)),
				zap.Int("sources_analyzed", outcome.Metadata.SourcesAnalyzed),
			)
			if perr := printOutput(os.Stdout, runOutput, outcome); perr != nil {
				return perr
			}
		}
		return err
	},
}

func init() {
	runCmd.Flags().StringVar(&runIdea, "idea", "", "product idea to research (required)")
	runCmd.Flags().StringVar(&runDepth, "depth", string(model.DepthStandard), "research depth: basic, standard or comprehensive")
	runCmd.Flags().StringVar(&runUser, "user", "cli", "user the run is billed to")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "json", "output format: json or yaml")
	_ = runCmd.MarkFlagRequired("idea")
	rootCmd.AddCommand(runCmd)
}
