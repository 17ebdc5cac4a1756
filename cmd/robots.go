package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	collyfetcher "github.com/JakeFAU/crawl-scheduler/internal/fetcher/colly"
	"github.com/JakeFAU/crawl-scheduler/internal/robots"
)

// newRobotsCmd creates the 'robots' subcommand: fetch robots.txt for a URL's
// host once and report whether the configured agent may fetch the URL.
func newRobotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "robots URL",
		Short: "Evaluate robots.txt for a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			canonical, err := crawler.NormalizeURL(args[0])
			if err != nil {
				return err
			}
			host, err := crawler.HostOf(canonical)
			if err != nil {
				return err
			}

			cfg := rt.cfg
			fetcher := collyfetcher.New(collyfetcher.Config{
				UserAgent:    cfg.Crawler.UserAgent,
				Timeout:      cfg.Crawler.FetchTimeout,
				MaxBodyBytes: cfg.Robots.MaxBytes,
			})
			cache := robots.New(robots.Config{
				Respect:   true,
				UserAgent: cfg.UserAgent(),
				TTL:       cfg.Robots.TTL,
				GraceTTL:  cfg.Robots.GraceTTL,
				MaxBytes:  cfg.Robots.MaxBytes,
			}, fetcher, rt.logger)

			allowed := cache.IsAllowed(cmd.Context(), host, crawler.PathOf(canonical))
			snap, _ := cache.Snapshot(host)
			verdict := "disallowed"
			if allowed {
				verdict = "allowed"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\trobots=%s\tagent=%s\texpires=%s\n",
				canonical, verdict, snap.Status, cfg.Crawler.UserAgentToken, snap.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
			if err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			return nil
		},
	}
}
