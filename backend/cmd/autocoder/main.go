// Command autocoder runs autonomous development cycles on a project: pick the
// next task from the todo document, implement it, commit it and mark it done.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/nibzard/autocoder/backend/internal/agent/claude"
	"github.com/nibzard/autocoder/backend/internal/config"
	"github.com/nibzard/autocoder/backend/internal/cycle"
	"github.com/nibzard/autocoder/backend/internal/gitutil"
	"github.com/nibzard/autocoder/backend/internal/logging"
	"github.com/nibzard/autocoder/backend/internal/project"
	"github.com/nibzard/autocoder/backend/internal/session"
	"github.com/spf13/cobra"
)

type options struct {
	project  string
	cycles   int
	init     bool
	interval time.Duration
	logLevel string
	claude   string
	model    string

	console io.Writer // Log console; nil means stderr.
}

func newRootCmd() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "autocoder",
		Short: "Run autonomous coding cycles driven by a todo document",
		Long: `autocoder repeatedly asks a coding agent to pick the highest priority task
from the project's todo document, implement it, commit it and mark it done.
It stops when no task remains, a cycle fails or the cycle budget is spent.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.project, "project", "p", ".", "project directory")
	f.IntVarP(&o.cycles, "cycles", "n", 1, "maximum number of cycles")
	f.BoolVar(&o.init, "init", false, "only create todo.md and the agent definitions, then exit")
	f.DurationVar(&o.interval, "interval", session.DefaultInterval, "pause between successful cycles")
	f.StringVar(&o.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	f.StringVar(&o.claude, "claude", "", "path to the claude CLI")
	f.StringVar(&o.model, "model", "", "model passed to the claude CLI")
	cmd.AddCommand(newLogsCmd())
	return cmd
}

func newLogsCmd() *cobra.Command {
	var day, dir string
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print one day of session logs, decompressing archived days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				d, err := logging.DefaultDir()
				if err != nil {
					return err
				}
				dir = d
			}
			if day == "" {
				day = time.Now().Format("2006-01-02")
			}
			r, err := logging.OpenDay(dir, day)
			if err != nil {
				return err
			}
			_, err = io.Copy(cmd.OutOrStdout(), r)
			if err2 := r.Close(); err == nil {
				err = err2
			}
			return err
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "day to print as YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&dir, "log-dir", "", "log directory (default $AUTOCODER_LOG_DIR or ~/.autocoder/logs)")
	return cmd
}

func run(cmd *cobra.Command, o *options) error {
	ctx := cmd.Context()
	dir, err := filepath.Abs(o.project)
	if err != nil {
		return err
	}
	if fi, err := os.Stat(dir); err != nil {
		return err
	} else if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	proj, err := config.LoadProjectFile(dir)
	if err != nil {
		return err
	}
	applyFlags(cmd, o, &proj)
	if proj.Cycles < 1 {
		return fmt.Errorf("cycles must be >= 1, got %d", proj.Cycles)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return fmt.Errorf("invalid -log-level: %w", err)
	}
	codec, err := logging.ParseCodec(proj.ArchiveCodec)
	if err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	logDir := proj.LogDir
	if logDir == "" {
		if logDir, err = logging.DefaultDir(); err != nil {
			return err
		}
	}
	name, err := gitutil.RepoName(ctx, dir)
	if err != nil {
		name = filepath.Base(dir)
	}
	store, err := logging.Open(logging.Options{
		Dir:           logDir,
		Project:       name,
		Level:         level,
		Console:       o.console,
		RetentionDays: proj.LogRetentionDays,
		Codec:         codec,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "autocoder: closing log: %v\n", err)
		}
	}()
	log := store.Logger()
	slog.SetDefault(log)

	created, err := project.Ensure(dir, proj.TodoFile)
	for _, p := range created {
		log.Info("created", "file", p)
	}
	if err != nil {
		return fmt.Errorf("initialize project: %w", err)
	}
	if o.init {
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "Project initialized in %s (%d files created)\n", dir, len(created))
		return err
	}

	branch, err := gitutil.CurrentBranch(ctx, dir)
	if err != nil {
		log.Warn("not a git checkout, commits cannot be resolved", "err", err)
	}
	info := cfg.APIInfo()
	log.Info("session",
		"project", dir,
		"branch", branch,
		"max_cycles", proj.Cycles,
		"provider", info.Provider,
		"endpoint", info.Endpoint,
		"model", firstNonEmpty(proj.Model, info.Model),
		"log", store.Path())
	if cfg.HasCustom() {
		log.Debug("api config", "api", cfg)
	}

	transcript, err := openTranscript(logDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := transcript.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "autocoder: closing transcript: %v\n", err)
		}
	}()
	log.Debug("agent transcript", "file", transcript.Name())

	if err := project.WatchTodo(ctx, filepath.Join(dir, proj.TodoFile), log); err != nil {
		log.Warn("failed to watch todo document", "err", err)
	}

	engine := &cycle.Engine{
		Backend: &claude.Backend{
			Path:     proj.ClaudePath,
			Model:    proj.Model,
			MaxTurns: proj.MaxTurns,
			LogW:     transcript,
			Log:      log,
		},
		Dir:      dir,
		TodoFile: proj.TodoFile,
		Resolver: &gitutil.Resolver{Dir: dir, Log: log},
		Log:      log,
	}
	loop := &session.Loop{
		Engine:    engine,
		MaxCycles: proj.Cycles,
		Interval:  time.Duration(proj.Interval),
		Log:       log,
	}
	sum := loop.Run(ctx)
	// Session outcomes are reported, never turned into an exit code.
	return sum.Print(cmd.OutOrStdout())
}

// applyFlags overrides project file values with explicitly set flags.
func applyFlags(cmd *cobra.Command, o *options, p *config.Project) {
	f := cmd.Flags()
	if f.Changed("cycles") {
		p.Cycles = o.cycles
	}
	if f.Changed("interval") {
		p.Interval = config.Duration(o.interval)
	}
	if f.Changed("claude") {
		p.ClaudePath = o.claude
	}
	if f.Changed("model") {
		p.Model = o.model
	}
}

func openTranscript(logDir string) (*os.File, error) {
	d := filepath.Join(logDir, "transcripts")
	if err := os.MkdirAll(d, 0o750); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	name := time.Now().Format("2006-01-02-150405") + ".jsonl"
	f, err := os.OpenFile(filepath.Join(d, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // name is a timestamp.
	if err != nil {
		return nil, fmt.Errorf("create transcript: %w", err)
	}
	return f, nil
}

func firstNonEmpty(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return ""
}

func mainImpl() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	return newRootCmd().ExecuteContext(ctx)
}

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "autocoder: %v\n", err)
		os.Exit(1)
	}
}
