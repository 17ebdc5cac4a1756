package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/app"
	"github.com/JakeFAU/crawl-scheduler/internal/config"
)

// node is what the crawl command runs.
type node interface {
	Run(ctx context.Context) error
	Close() error
}

// newNode is the node factory, replaced in tests.
var newNode = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (node, error) {
	return app.New(ctx, cfg, logger)
}

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Run a crawler node until interrupted",
		Long: `Starts the dispatch loop, membership, discovery ingest and admin API.
On SIGINT or SIGTERM in-flight fetches drain for crawler.drain_timeout and
queued URLs stay in durable storage for the next owner.`,
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := newNode(ctx, rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("initialize node: %w", err)
	}
	defer func() {
		if cerr := n.Close(); cerr != nil {
			rt.logger.Warn("failed to close node", zap.Error(cerr))
		}
	}()

	if err := n.Run(ctx); err != nil {
		return fmt.Errorf("run node: %w", err)
	}
	rt.logger.Info("crawl command finished")
	return nil
}
