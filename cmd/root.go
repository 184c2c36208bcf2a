package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/market-research/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "market-research",
	Short: "Product market research pipeline",
	Long:  "Plans research for a product idea, runs market, competitor and customer analysis in parallel, synthesizes a report and bills the run by checkpoint.",
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

// Assigned in init to avoid an initialization cycle through commandMode.
func init() {
	rootCmd.PersistentPreRunE = persistentPreRun
}

func persistentPreRun(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return eris.Wrap(err, "load .env")
	}

	c, err := config.Load()
	if err != nil {
		return eris.Wrap(err, "load config")
	}
	if err := c.Validate(commandMode(cmd)); err != nil {
		return err
	}
	cfg = c

	if err := config.InitLogger(cfg.Log); err != nil {
		return eris.Wrap(err, "init logger")
	}
	return nil
}

// commandMode is the name of the top-level subcommand cmd belongs to,
// which selects the settings Validate checks.
func commandMode(cmd *cobra.Command) string {
	for cmd.HasParent() && cmd.Parent() != rootCmd {
		cmd = cmd.Parent()
	}
	return cmd.Name()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
