package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/strandkit/strand/pkg/eval"
	"github.com/strandkit/strand/pkg/observability"
)

// EvalCmd runs one suite file or every suite in a directory.
type EvalCmd struct {
	Suite string `help:"Path to one suite file." type:"path"`
	Dir   string `help:"Directory of suite files." type:"path" default:"test/eval/suites"`

	Tags    []string `help:"Run only cases carrying one of these tags."`
	Exclude []string `help:"Skip cases carrying one of these tags."`

	Model    string        `help:"Override the suite default model (provider:model)."`
	Parallel int           `help:"Override suite parallelism."`
	Timeout  time.Duration `help:"Override per-case timeout."`
	Retry    int           `help:"Override retry count for failed cases."`

	Format  string `help:"Report format (console, json, markdown)." default:"console" enum:"console,json,markdown"`
	Output  string `help:"Write the report to a file instead of stdout." type:"path"`
	Verbose bool   `help:"Log at debug level during the run."`

	Watch       bool   `help:"Re-run suites when their files change."`
	MetricsAddr string `name:"metrics-addr" help:"Serve Prometheus metrics on this address (e.g. :9090)."`
}

func (c *EvalCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	if c.Verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if c.MetricsAddr != "" {
		manager := observability.NewManager(observability.Config{
			Metrics: observability.MetricsConfig{Enabled: true},
		})
		if err := manager.Initialize(ctx); err != nil {
			return err
		}
		defer manager.Shutdown(context.Background())
		go c.serveMetrics(ctx, manager)
	}

	if c.Watch {
		return c.watchLoop(ctx)
	}
	return c.runOnce(ctx)
}

func (c *EvalCmd) runOnce(ctx context.Context) error {
	suites, err := c.loadSuites()
	if err != nil {
		return err
	}

	runner := eval.NewRunner(c.runnerOptions()...)
	results, err := runner.RunAll(ctx, suites)
	if err != nil {
		return err
	}

	if err := c.report(results); err != nil {
		return err
	}

	failing := 0
	for _, sr := range results {
		if sr.PassRate < 1.0 {
			failing++
		}
	}
	if failing > 0 {
		return fmt.Errorf("%d of %d suites below full pass rate", failing, len(results))
	}
	return nil
}

// watchLoop re-runs the suites on every file change until interrupted.
// Failures are reported but do not end the loop.
func (c *EvalCmd) watchLoop(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	target := c.Dir
	if c.Suite != "" {
		target = filepath.Dir(c.Suite)
	}
	if err := watcher.Add(target); err != nil {
		return fmt.Errorf("watching %s: %w", target, err)
	}

	if err := c.runOnce(ctx); err != nil {
		slog.Error("Evaluation failed", "error", err)
	}

	// Editors fire several events per save; coalesce them.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			ext := filepath.Ext(event.Name)
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			pending = time.After(300 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Watcher error", "error", err)
		case <-pending:
			pending = nil
			slog.Info("Suite files changed, re-running")
			if err := c.runOnce(ctx); err != nil {
				slog.Error("Evaluation failed", "error", err)
			}
		}
	}
}

func (c *EvalCmd) loadSuites() ([]*eval.Suite, error) {
	if c.Suite != "" {
		suite, err := eval.Load(c.Suite)
		if err != nil {
			return nil, err
		}
		return []*eval.Suite{suite}, nil
	}
	return eval.LoadDir(c.Dir)
}

func (c *EvalCmd) runnerOptions() []eval.RunnerOption {
	opts := []eval.RunnerOption{
		eval.WithTags(c.Tags, c.Exclude),
	}
	if c.Model != "" {
		opts = append(opts, eval.WithModel(c.Model))
	}
	if c.Parallel > 0 {
		opts = append(opts, eval.WithParallelism(c.Parallel))
	}
	if c.Timeout > 0 {
		opts = append(opts, eval.WithTimeout(c.Timeout))
	}
	if c.Retry > 0 {
		opts = append(opts, eval.WithRetries(c.Retry))
	}
	return opts
}

func (c *EvalCmd) report(results []*eval.SuiteResult) error {
	out := os.Stdout
	if c.Output != "" {
		f, err := os.Create(c.Output)
		if err != nil {
			return fmt.Errorf("creating report file: %w", err)
		}
		defer f.Close()
		out = f
	}
	return eval.Report(out, results, eval.Format(c.Format))
}

func (c *EvalCmd) serveMetrics(ctx context.Context, manager *observability.Manager) {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Handle("/metrics", manager.Handler())

	server := &http.Server{Addr: c.MetricsAddr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("Serving metrics", "addr", c.MetricsAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("Metrics server failed", "error", err)
	}
}
