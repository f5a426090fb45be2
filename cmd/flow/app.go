package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/rendis/flow/internal/actions"
	"github.com/rendis/flow/internal/engine"
	"github.com/rendis/flow/internal/expressions"
	"github.com/rendis/flow/internal/logging"
	"github.com/rendis/flow/internal/runlog"
	"github.com/rendis/flow/internal/security"
	"github.com/rendis/flow/internal/storage"
	"github.com/rendis/flow/internal/store"
)

// app wires the engine and its collaborators from config.
type app struct {
	cfg     Config
	logger  *slog.Logger
	library *storage.Library
	engine  *engine.Engine
	index   *store.RunIndex
}

func buildApp(ctx context.Context, cfg Config) (*app, error) {
	logger := newLogger(cfg.LogLevel)

	guards, err := expressions.NewGuardEvaluator()
	if err != nil {
		return nil, err
	}

	library, err := storage.NewLibrary(cfg.WorkflowDir, guards)
	if err != nil {
		return nil, err
	}

	logs, err := runlog.NewDir(cfg.RunLogDir)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(flowDir(), 0o755); err != nil {
		return nil, err
	}
	index, err := store.OpenRunIndex(ctx, "file:"+cfg.DBPath)
	if err != nil {
		return nil, err
	}

	console := &consolePrompter{}
	registry, delegate, err := actions.NewBuiltinRegistry(actions.BuiltinDeps{
		Logger:   logger,
		Shell:    actions.ShellConfigFromEnv(security.DefaultPolicy(logger), logger),
		Prompts:  console,
		Prompter: console,
	})
	if err != nil {
		return nil, err
	}

	eng := engine.New(registry, guards, logs, engine.Config{
		MaxTransitions:    cfg.MaxTransitions,
		BranchConcurrency: cfg.BranchConcurrency,
		Logger:            logger,
		Index:             index,
		Source:            library,
	})
	delegate.SetRunner(eng)

	return &app{
		cfg:     cfg,
		logger:  logger,
		library: library,
		engine:  eng,
		index:   index,
	}, nil
}

func (a *app) close() {
	if a.index != nil {
		_ = a.index.Close()
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// consolePrompter satisfies wait-for-user and execute-prompt actions on the
// terminal.
type consolePrompter struct{}

func (c *consolePrompter) AwaitUser(ctx context.Context, message string) error {
	if message == "" {
		message = "Press Enter to continue"
	}
	fmt.Fprintf(os.Stderr, "%s: ", message)
	return c.readLine(ctx, nil)
}

func (c *consolePrompter) RunPrompt(ctx context.Context, name string, args map[string]string) (string, error) {
	fmt.Fprintf(os.Stderr, "prompt %s", name)
	for k, v := range args {
		fmt.Fprintf(os.Stderr, " %s=%q", k, v)
	}
	fmt.Fprint(os.Stderr, "\n> ")

	var response string
	if err := c.readLine(ctx, &response); err != nil {
		return "", err
	}
	return response, nil
}

// readLine reads one stdin line in a goroutine so cancellation interrupts
// the wait.
func (c *consolePrompter) readLine(ctx context.Context, out *string) error {
	lines := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			errs <- err
			return
		}
		lines <- strings.TrimRight(line, "\r\n")
	}()

	select {
	case line := <-lines:
		if out != nil {
			*out = line
		}
		return nil
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
