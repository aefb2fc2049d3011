// Package migrate orchestrates the TestRail to Qase migration: a
// dependency-ordered pipeline of entity importers sharing one mapping
// store and two HTTP clients. Phases run in a fixed order (users,
// projects, attachments, custom fields, then per-project work); within
// the per-project phase up to eight projects proceed in parallel while
// each project's own sub-phases stay sequential.
package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qasehq/trq/internal/config"
	"github.com/qasehq/trq/internal/mapping"
	"github.com/qasehq/trq/internal/pool"
	"github.com/qasehq/trq/internal/qase"
	"github.com/qasehq/trq/internal/stats"
	"github.com/qasehq/trq/internal/testrail"
)

const (
	projectParallelism = 8

	targetPoolWorkers  = 8
	targetPoolRequests = 230
	targetPoolInterval = 10 * time.Second
	sourcePoolWorkers  = 8
)

// Engine runs the migration pipeline.
type Engine struct {
	Source *testrail.Client
	Target *qase.Client
	Store  *mapping.Store
	Stats  *stats.Stats
	Config *config.Config

	// DryRun stops the pipeline after listing the source projects.
	DryRun bool

	// Callbacks for UI feedback (optional).
	OnMessage func(msg string)
	OnWarning func(msg string)

	logger     *slog.Logger
	sourcePool *pool.Pool
	targetPool *pool.Pool
}

// NewEngine creates an engine wired to the given clients. The mapping
// store is seeded with the configured default user.
func NewEngine(source *testrail.Client, target *qase.Client, cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Source:     source,
		Target:     target,
		Store:      mapping.NewStore(cfg.Users.Default),
		Stats:      stats.New(),
		Config:     cfg,
		logger:     logger,
		sourcePool: pool.NewBounded(sourcePoolWorkers),
		targetPool: pool.NewThrottled(targetPoolWorkers, targetPoolRequests, targetPoolInterval),
	}
}

// Run executes the full pipeline. Entity-level failures are reported
// through OnWarning and skipped; only unrecoverable failures (startup
// listing calls, cancellation) abort the run.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.importUsers(ctx); err != nil {
		return fmt.Errorf("user import: %w", err)
	}

	done, err := e.importProjects(ctx)
	if err != nil {
		return fmt.Errorf("project import: %w", err)
	}
	if done {
		return nil
	}

	if err := e.importAttachments(ctx); err != nil {
		return fmt.Errorf("attachment import: %w", err)
	}

	if err := e.reconcileFields(ctx); err != nil {
		return fmt.Errorf("field reconciliation: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(projectParallelism)
	for _, project := range e.Store.Projects {
		g.Go(func() error {
			return e.importProject(gctx, project)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	e.msg("Migration finished")
	return nil
}

// importProject runs the sequential per-project sub-phases. Sub-phase
// failures degrade to warnings; only cancellation stops the chain.
func (e *Engine) importProject(ctx context.Context, project mapping.Project) error {
	e.msg("[%s] Importing project entities", project.Code)

	steps := []func(context.Context, mapping.Project) error{
		e.importConfigurations,
		e.importSharedSteps,
		e.importMilestones,
		e.importSuites,
		e.importCases,
		e.importRuns,
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step(ctx, project); err != nil {
			return err
		}
	}
	return nil
}

// qs runs fn on the throttled target pool and waits for it.
func (e *Engine) qs(ctx context.Context, fn func() error) error {
	return e.targetPool.Go(ctx, fn).Wait()
}

// tr runs fn on the source pool and waits for it. Never call from
// inside another source pool task; the nested acquire can deadlock
// once all workers block. Tasks call the client directly instead.
func (e *Engine) tr(ctx context.Context, fn func() error) error {
	return e.sourcePool.Go(ctx, fn).Wait()
}

func (e *Engine) msg(format string, args ...interface{}) {
	if e.OnMessage != nil {
		e.OnMessage(fmt.Sprintf(format, args...))
	}
	e.logger.Debug(fmt.Sprintf(format, args...))
}

func (e *Engine) warn(format string, args ...interface{}) {
	if e.OnWarning != nil {
		e.OnWarning(fmt.Sprintf(format, args...))
	}
	e.logger.Warn(fmt.Sprintf(format, args...))
}
