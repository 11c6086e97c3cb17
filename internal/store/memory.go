package store

import (
	"context"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// MemoryRunStore is the canonical in-memory RunStore. Each run carries
// its own lock so mutations of different runs never contend, while two
// mutations of the same run are fully serialized.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*runEntry
}

type runEntry struct {
	mu  sync.Mutex
	run *schema.WorkflowRun
}

// NewMemoryRunStore creates an empty in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*runEntry)}
}

func (s *MemoryRunStore) Create(ctx context.Context, run *schema.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.RunID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.RunID)
	}
	s.runs[run.RunID] = &runEntry{run: run.Clone()}
	return nil
}

func (s *MemoryRunStore) Get(ctx context.Context, runID string) (*schema.WorkflowRun, error) {
	entry, err := s.entry(runID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.run.Clone(), nil
}

func (s *MemoryRunStore) Mutate(ctx context.Context, runID string, fn func(run *schema.WorkflowRun) error) error {
	entry, err := s.entry(runID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	// fn works on a copy so a failed mutation leaves the stored run intact.
	next := entry.run.Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.UpdatedAt = time.Now().UTC()
	entry.run = next
	return nil
}

func (s *MemoryRunStore) Remove(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}

func (s *MemoryRunStore) List(ctx context.Context, filter RunFilter) ([]*schema.WorkflowRun, error) {
	s.mu.RLock()
	entries := make([]*runEntry, 0, len(s.runs))
	for _, e := range s.runs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []*schema.WorkflowRun
	for _, e := range entries {
		e.mu.Lock()
		run := e.run.Clone()
		e.mu.Unlock()
		if !matchRun(run, filter) {
			continue
		}
		out = append(out, run)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryRunStore) entry(runID string) (*runEntry, error) {
	s.mu.RLock()
	entry, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found", runID)
	}
	return entry, nil
}

func matchRun(run *schema.WorkflowRun, filter RunFilter) bool {
	if filter.Status != nil && run.Status != *filter.Status {
		return false
	}
	if filter.TemplateID != "" && (run.Template == nil || run.Template.ID != filter.TemplateID) {
		return false
	}
	if filter.ParentID != "" && run.ParentRunID != filter.ParentID {
		return false
	}
	if filter.Since != nil && run.CreatedAt.Before(*filter.Since) {
		return false
	}
	return true
}

// MemoryTemplateStore is an in-memory TemplateStore, used by tests and
// as the working set in front of the durable store.
type MemoryTemplateStore struct {
	mu        sync.RWMutex
	templates map[string]*schema.WorkflowTemplate
}

// NewMemoryTemplateStore creates an empty in-memory template store.
func NewMemoryTemplateStore() *MemoryTemplateStore {
	return &MemoryTemplateStore{templates: make(map[string]*schema.WorkflowTemplate)}
}

func (s *MemoryTemplateStore) StoreTemplate(ctx context.Context, tpl *schema.WorkflowTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tpl
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()
	s.templates[cp.ID] = &cp
	return nil
}

func (s *MemoryTemplateStore) GetTemplate(ctx context.Context, id string) (*schema.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.templates[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %q not found", id)
	}
	cp := *tpl
	return &cp, nil
}

func (s *MemoryTemplateStore) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*schema.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.WorkflowTemplate
	for _, tpl := range s.templates {
		if filter.TriggerType != "" && tpl.TriggerType != filter.TriggerType {
			continue
		}
		if filter.Scheduled && tpl.CronExpression == "" {
			continue
		}
		cp := *tpl
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryTemplateStore) DeleteTemplate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "template %q not found", id)
	}
	delete(s.templates, id)
	return nil
}
