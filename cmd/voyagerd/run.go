package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ChainVoyager/internal/explorer"
	"ChainVoyager/internal/observability/metrics"
	"ChainVoyager/internal/skill"
	"ChainVoyager/pkg/logger"
)

func newRunCmd(newApp func(context.Context) (*app, error), jsonOutput *bool) *cobra.Command {
	var (
		episodes    int
		parallel    int
		steps       int
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "run [skill...]",
		Short: "Run exploration episodes over library skills",
		Long: "Run exploration episodes. Each episode steps through the given skills " +
			"(all library skills by default) round-robin until its step budget is spent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			refs, err := resolveRefs(a, args)
			if err != nil {
				return err
			}
			if parallel <= 0 {
				parallel = a.cfg.Explorer.Parallel
			}
			if metricsAddr == "" {
				metricsAddr = a.cfg.Metrics.Address
			}

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			var metricsDone chan error
			if metricsAddr != "" {
				metricsDone = make(chan error, 1)
				go func() { metricsDone <- metrics.StartServer(runCtx, metricsAddr) }()
			}

			// All setup happens before the first episode starts.
			if episodes <= 0 {
				return fmt.Errorf("--episodes 必须为正数")
			}
			explorers := make([]*explorer.Explorer, episodes)
			for i := range explorers {
				if explorers[i], err = a.Explorer(ctx, steps); err != nil {
					return err
				}
			}

			summaries := make([]explorer.EpisodeSummary, episodes)
			g, gctx := errgroup.WithContext(runCtx)
			g.SetLimit(parallel)
			for i, ex := range explorers {
				g.Go(func() error {
					var err error
					summaries[i], err = ex.RunEpisode(gctx, refs)
					return err
				})
			}
			runErr := g.Wait()
			cancel()
			if metricsDone != nil {
				if err := <-metricsDone; err != nil {
					logger.L().Warn("metrics server stopped", "error", err)
				}
			}
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				return runErr
			}

			var text strings.Builder
			for _, s := range summaries {
				if s.EpisodeID == "" {
					continue
				}
				fmt.Fprintf(&text, "episode %s: %d steps, reward %.2f, %d protocols (%s)\n",
					s.EpisodeID, s.Steps, s.TotalReward, len(s.ProtocolsSeen), s.Reason)
				for _, d := range s.Discoveries {
					fmt.Fprintf(&text, "  + %s %s\n", d.Project, d.ProgramID)
				}
			}
			return printResult(cmd, *jsonOutput, summaries, strings.TrimRight(text.String(), "\n"))
		},
	}
	cmd.Flags().IntVar(&episodes, "episodes", 1, "number of episodes")
	cmd.Flags().IntVar(&parallel, "parallel", 0, "episodes run concurrently (default explorer.parallel)")
	cmd.Flags().IntVar(&steps, "steps", 0, "steps per episode (default explorer.max_steps)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address while running")
	return cmd
}

// resolveRefs maps arguments to skills: a path to a .go file is used as is,
// anything else is looked up in the library. No arguments means every
// library skill.
func resolveRefs(a *app, args []string) ([]skill.Ref, error) {
	lib, err := a.Library()
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		refs, err := lib.List()
		if err != nil {
			return nil, err
		}
		if len(refs) == 0 {
			return nil, fmt.Errorf("技能目录 %s 为空", lib.Dir())
		}
		return refs, nil
	}
	refs := make([]skill.Ref, 0, len(args))
	for _, arg := range args {
		ref, err := resolveRef(lib, arg)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func resolveRef(lib *skill.Library, arg string) (skill.Ref, error) {
	if strings.HasSuffix(arg, ".go") {
		if _, err := os.Stat(arg); err != nil {
			return skill.Ref{}, fmt.Errorf("读取技能文件失败: %w", err)
		}
		abs, err := filepath.Abs(arg)
		if err != nil {
			return skill.Ref{}, err
		}
		return skill.RefFromPath(abs), nil
	}
	return lib.Lookup(arg)
}
