package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/internal/store"
)

// WorkflowStarter is the interface the scheduler uses to fire template
// runs. Satisfied by the orchestrator (avoids an import cycle).
type WorkflowStarter interface {
	StartWorkflowByID(ctx context.Context, templateID string, initialInput any) (string, error)
}

// Scheduler fires runs for templates that carry a cron expression.
// Fire times are tracked in memory and recomputed from the template's
// cron expression after every run, so editing a template's schedule
// takes effect on the next tick.
type Scheduler struct {
	templates store.TemplateStore
	starter   WorkflowStarter
	parser    cron.Parser
	logger    *slog.Logger
	interval  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // template IDs currently firing (dedup)

	nextMu sync.Mutex
	next   map[string]time.Time // template ID -> next fire time
}

// NewScheduler creates a scheduler over the template store.
func NewScheduler(templates store.TemplateStore, starter WorkflowStarter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		templates: templates,
		starter:   starter,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
		interval:  60 * time.Second,
		inflight:  make(map[string]struct{}),
		next:      make(map[string]time.Time),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Prime fire times immediately so the first tick has a baseline.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every scheduled template whose next fire time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	templates, err := s.templates.ListTemplates(ctx, store.TemplateFilter{Scheduled: true})
	if err != nil {
		s.logger.Error("failed to list scheduled templates", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, tpl := range templates {
		due, err := s.dueAt(tpl.ID, tpl.CronExpression, now)
		if err != nil {
			s.logger.Error("invalid cron expression",
				slog.String("template_id", tpl.ID),
				slog.String("cron", tpl.CronExpression),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !due {
			continue
		}
		if !s.tryAcquire(tpl.ID) {
			continue // previous fire still running (dedup)
		}
		s.fire(ctx, tpl.ID, now)
		s.release(tpl.ID)
	}
}

// dueAt reports whether the template should fire now. A template seen
// for the first time is primed to its next cron boundary, not fired
// immediately.
func (s *Scheduler) dueAt(templateID, cronExpr string, now time.Time) (bool, error) {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()

	next, known := s.next[templateID]
	if !known {
		n, err := s.nextAfter(cronExpr, now)
		if err != nil {
			return false, err
		}
		s.next[templateID] = n
		return false, nil
	}
	if now.Before(next) {
		return false, nil
	}
	n, err := s.nextAfter(cronExpr, now)
	if err != nil {
		return false, err
	}
	s.next[templateID] = n
	return true, nil
}

// fire starts one run for the template.
func (s *Scheduler) fire(ctx context.Context, templateID string, now time.Time) {
	s.logger.Info("firing scheduled template", slog.String("template_id", templateID))

	runID, err := s.starter.StartWorkflowByID(ctx, templateID, map[string]any{"scheduled_at": now.Format(time.RFC3339)})
	if err != nil {
		s.logger.Error("scheduled run failed to start",
			slog.String("template_id", templateID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("scheduled run started",
		slog.String("template_id", templateID),
		slog.String("run_id", runID),
	)
}

func (s *Scheduler) tryAcquire(templateID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[templateID]; ok {
		return false
	}
	s.inflight[templateID] = struct{}{}
	return true
}

func (s *Scheduler) release(templateID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, templateID)
}

// nextAfter computes the next fire time for a cron expression.
func (s *Scheduler) nextAfter(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
