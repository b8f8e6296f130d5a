package main

import (
	"context"
	"fmt"
	"time"

	"github.com/roelfdiedericks/lessongen/internal/config"
	"github.com/roelfdiedericks/lessongen/internal/llm"
	. "github.com/roelfdiedericks/lessongen/internal/logging"
	"github.com/roelfdiedericks/lessongen/internal/metrics"
	"github.com/roelfdiedericks/lessongen/internal/queue"
	"github.com/roelfdiedericks/lessongen/internal/tokens"
)

// runtime is the assembled dispatch core for one CLI invocation.
type runtime struct {
	cfg     *config.Config
	chain   *llm.Chain
	queue   *queue.Queue
	janitor *queue.Janitor
}

// loadConfig loads config and re-initializes logging from it, keeping
// command-line verbosity when it is higher.
func loadConfig(g *Globals) (*config.Config, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}

	logCfg := cfg.Logging.LogConfig()
	if g.Debug && logCfg.Level < LevelDebug {
		logCfg.Level = LevelDebug
	}
	if g.Trace {
		logCfg.Level = LevelTrace
	}
	logCfg.ShowCaller = g.Debug || g.Trace
	Reconfigure(logCfg)
	return cfg, nil
}

func enableMetrics(cfg *config.Config) {
	if !cfg.Metrics.Persist {
		return
	}
	path, err := cfg.Metrics.MetricsPath()
	if err != nil {
		L_warn("metrics: cannot resolve path", "error", err)
		return
	}
	if err := metrics.GetInstance().EnablePersistence(path); err != nil {
		L_warn("metrics: persistence disabled", "path", path, "error", err)
	}
}

func startRuntime(g *Globals) (*runtime, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	enableMetrics(cfg)

	chain, err := llm.BuildChain(cfg, llm.BuildOptions{
		Observer: llm.DefaultObserver{},
		Tokens:   tokens.Get(),
	})
	if err != nil {
		return nil, err
	}

	q := queue.New(chain, queue.OptionsFromConfig(cfg.Queue))
	janitor, err := queue.NewJanitor(q, cfg.Queue.CleanupSchedule, cfg.Queue.Retention())
	if err != nil {
		return nil, err
	}
	janitor.Start()

	L_info("lessongen: ready", "providers", chain.Providers(), "maxConcurrent", cfg.Queue.MaxConcurrent)
	return &runtime{cfg: cfg, chain: chain, queue: q, janitor: janitor}, nil
}

func (r *runtime) close() {
	SetShuttingDown()
	r.janitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.queue.Stop(ctx); err != nil {
		L_warn("lessongen: queue did not drain", "error", err)
	}
	if err := metrics.GetInstance().Close(); err != nil {
		L_warn("metrics: close failed", "error", err)
	}
}

// wait polls until every id is terminal or ctx ends.
func (r *runtime) wait(ctx context.Context, ids []int64) ([]queue.TaskView, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	views := make([]queue.TaskView, len(ids))
	for {
		pending := 0
		for i, id := range ids {
			v, err := r.queue.Status(id)
			if err != nil {
				return nil, fmt.Errorf("task %d: %w", id, err)
			}
			views[i] = v
			if !v.Status.Terminal() {
				pending++
			}
		}
		if pending == 0 {
			return views, nil
		}

		select {
		case <-ctx.Done():
			return views, ctx.Err()
		case <-ticker.C:
		}
	}
}
