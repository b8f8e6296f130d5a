package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/lo"

	"github.com/roelfdiedericks/lessongen/internal/bus"
	"github.com/roelfdiedericks/lessongen/internal/config"
	"github.com/roelfdiedericks/lessongen/internal/llm"
	. "github.com/roelfdiedericks/lessongen/internal/logging"
	"github.com/roelfdiedericks/lessongen/internal/metrics"
	"github.com/roelfdiedericks/lessongen/internal/paths"
	"github.com/roelfdiedericks/lessongen/internal/queue"
)

// Request is one line of a JSONL input file.
type Request struct {
	UserID      string `json:"userId"`
	ContentType string `json:"contentType"`
	Prompt      string `json:"prompt"`
	Priority    int    `json:"priority,omitempty"`
}

// RunCmd feeds a JSONL batch through the queue and writes one JSON result per line.
type RunCmd struct {
	Input   string        `short:"i" required:"" help:"JSONL file of {userId, contentType, prompt, priority}" type:"existingfile"`
	Output  string        `short:"o" help:"Write results here instead of stdout" type:"path"`
	Timeout time.Duration `help:"Give up waiting after this long (0 = no limit)" default:"0"`
}

func (c *RunCmd) Run(g *Globals) error {
	start := time.Now()
	reqs, err := readRequests(c.Input)
	if err != nil {
		return err
	}

	rt, err := startRuntime(g)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var finished atomic.Int64
	sub := bus.SubscribeEvent(bus.TopicTaskFinished, func(e bus.Event) {
		v, ok := e.Data.(queue.TaskView)
		if !ok {
			return
		}
		n := finished.Add(1)
		L_info("run: task finished", "task", v.ID, "status", v.Status, "provider", v.Provider, "done", n, "total", len(reqs))
	})
	defer bus.UnsubscribeEvent(sub)

	ids := make([]int64, 0, len(reqs))
	for i, r := range reqs {
		priority := lo.Ternary(r.Priority == 0, rt.cfg.Queue.DefaultPriority, r.Priority)
		id, err := rt.queue.Enqueue(r.UserID, r.ContentType, r.Prompt, priority)
		if err != nil {
			return fmt.Errorf("%s line %d: %w", c.Input, i+1, err)
		}
		ids = append(ids, id)
	}
	L_info("run: enqueued", "tasks", len(ids), "input", c.Input)

	views, waitErr := rt.wait(ctx, ids)
	if waitErr != nil && views == nil {
		return waitErr
	}

	out := os.Stdout
	if c.Output != "" {
		f, err := os.Create(c.Output)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	for _, v := range views {
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}

	s := rt.queue.Stats()
	L_elapsed(start, "run: finished", "completed", s.Completed, "failed", s.Failed, "cancelled", s.Cancelled)
	if waitErr != nil {
		return fmt.Errorf("stopped before all tasks finished: %w", waitErr)
	}
	return nil
}

func readRequests(path string) ([]Request, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var reqs []Request
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var r Request
		if err := json.Unmarshal([]byte(text), &r); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		if r.ContentType == "" {
			r.ContentType = queue.ContentLessonPlan
		}
		reqs = append(reqs, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%s: no requests", path)
	}
	return reqs, nil
}

// GenerateCmd runs one prompt through the queue.
type GenerateCmd struct {
	Prompt      string `arg:"" help:"Prompt text"`
	ContentType string `short:"t" default:"lesson_plan" enum:"lesson_plan,exercise,game,course" help:"Content type"`
	Priority    int    `short:"p" default:"50" help:"Priority 1-100, higher runs sooner"`
	User        string `short:"u" default:"cli" help:"User id recorded on the task"`
}

func (c *GenerateCmd) Run(g *Globals) error {
	rt, err := startRuntime(g)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := rt.queue.Enqueue(c.User, c.ContentType, c.Prompt, c.Priority)
	if err != nil {
		return err
	}
	views, err := rt.wait(ctx, []int64{id})
	if err != nil {
		return err
	}

	v := views[0]
	if v.Status != queue.StatusCompleted {
		return fmt.Errorf("task %d %s (%s): %s", v.ID, v.Status, v.ErrorKind, v.Error)
	}
	L_info("generate: done", "provider", v.Provider, "attempts", v.Attempts)
	fmt.Println(v.Result)
	return nil
}

// CheckCmd validates config and prints the chain without calling any provider.
type CheckCmd struct{}

func (c *CheckCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	chain, err := llm.BuildChain(cfg, llm.BuildOptions{})
	if err != nil {
		return err
	}

	fmt.Printf("queue: maxConcurrent=%d timeout=%s retention=%s cleanup=%q\n",
		cfg.Queue.MaxConcurrent, cfg.Queue.TaskTimeout(), cfg.Queue.Retention(), cfg.Queue.CleanupSchedule)

	for i, pc := range chain.Clients() {
		client, ok := pc.(*llm.Client)
		if !ok {
			continue
		}
		fmt.Printf("%d. %s\n", i+1, client.Name())
		for _, k := range client.Keys().Snapshot() {
			fmt.Printf("   key %s\n", k.ID)
		}
		for _, m := range client.Models() {
			fmt.Printf("   model %s (priority %d, rpm %d, rpd %d)\n", m.ID, m.Priority, m.RPM, m.RPD)
		}
	}
	return nil
}

// StatsCmd prints persisted metrics.
type StatsCmd struct {
	Prefix string `help:"Only show metric paths starting with this prefix"`
}

func (c *StatsCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	path, err := cfg.Metrics.MetricsPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no metrics recorded yet at %s", path)
	}

	m := metrics.GetInstance()
	if err := m.EnablePersistence(path); err != nil {
		return err
	}
	defer m.Close()

	snap := m.GetSnapshot()
	keys := lo.Filter(lo.Keys(snap), func(k string, _ int) bool {
		return strings.HasPrefix(k, c.Prefix)
	})
	sort.Strings(keys)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, k := range keys {
		if err := enc.Encode(snap[k]); err != nil {
			return err
		}
	}
	return nil
}

// ConfigInitCmd writes config.Example() in the format implied by the extension.
type ConfigInitCmd struct {
	Path  string `arg:"" optional:"" help:"Destination (default ~/.lessongen/lessongen.json)" type:"path"`
	Force bool   `short:"f" help:"Overwrite an existing file (a backup is kept)"`
}

func (c *ConfigInitCmd) Run(_ *Globals) error {
	path := c.Path
	if path == "" {
		var err error
		if path, err = paths.DefaultConfigPath(); err != nil {
			return err
		}
	}
	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("%s exists (use --force to overwrite)", path)
	}
	if err := paths.EnsureParentDir(path); err != nil {
		return err
	}

	if err := config.WriteFile(path, config.Example(), config.DefaultBackupCount); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%s)\n", path, strings.TrimPrefix(filepath.Ext(path), "."))
	fmt.Println("set provider keys in the file or via <NAME>_API_KEYS, e.g. GROQ_API_KEYS=key1,key2")
	return nil
}

type VersionCmd struct{}

func (c *VersionCmd) Run(_ *Globals) error {
	fmt.Printf("lessongen %s\n", version)
	return nil
}
