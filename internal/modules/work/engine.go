package work

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/events"
	"github.com/clarityhq/clarity/internal/modules/audit"
	"github.com/clarityhq/clarity/internal/modules/cases"
)

// MaterializeResult counts what one materialization pass did.
type MaterializeResult struct {
	Created      int `json:"created"`
	Updated      int `json:"updated"`
	AutoResolved int `json:"auto_resolved"`
	Unchanged    int `json:"unchanged"`
}

// Engine reconciles the derived checklist against persisted work items.
type Engine struct {
	repo       *Repository
	caseEngine *cases.Engine
	caseRepo   *cases.Repository
	plans      cases.PlanSource
	auditor    *audit.Writer
	bus        *events.Bus
	log        zerolog.Logger
}

// NewEngine creates a work engine. plans may be nil; then no plan-derived
// items fire.
func NewEngine(repo *Repository, caseEngine *cases.Engine, caseRepo *cases.Repository, plans cases.PlanSource, auditor *audit.Writer, bus *events.Bus, log zerolog.Logger) *Engine {
	return &Engine{
		repo:       repo,
		caseEngine: caseEngine,
		caseRepo:   caseRepo,
		plans:      plans,
		auditor:    auditor,
		bus:        bus,
		log:        log.With().Str("service", "work_engine").Logger(),
	}
}

// SetPlanSource wires the plan reader in after construction.
func (e *Engine) SetPlanSource(p cases.PlanSource) {
	e.plans = p
}

// Compute derives the checklist for a case without touching storage.
func (e *Engine) Compute(caseID int64, now time.Time) ([]ComputedItem, error) {
	c, err := e.caseRepo.GetByID(caseID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("case %d: %w", caseID, domain.ErrNotFound)
	}

	recompute, err := e.caseEngine.Recompute(caseID, false, now)
	if err != nil {
		return nil, err
	}

	planCreatedAt, err := e.activePlanCreatedAt(c)
	if err != nil {
		return nil, err
	}
	return GenerateWorkItems(c, recompute.Derived, planCreatedAt, now), nil
}

// Materialize reconciles the computed checklist against persisted rows:
//   - a computed key with no row inserts a new open item,
//   - an existing open/snoozed row refreshes priority and due_at,
//   - completed rows are never reopened,
//   - open/snoozed rows whose key fell out of the computed set complete
//     with resolved_at=now.
func (e *Engine) Materialize(caseID int64, now time.Time) (*MaterializeResult, error) {
	now = now.UTC()
	c, err := e.caseRepo.GetByID(caseID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("case %d: %w", caseID, domain.ErrNotFound)
	}

	computed, err := e.Compute(caseID, now)
	if err != nil {
		return nil, err
	}

	result := &MaterializeResult{}
	computedKeys := make(map[string]bool, len(computed))

	for _, ci := range computed {
		computedKeys[ci.IdempotencyKey] = true

		existing, err := e.repo.GetByKey(caseID, ci.IdempotencyKey)
		if err != nil {
			return nil, err
		}

		switch {
		case existing == nil:
			item := &Item{
				CaseID:         caseID,
				BusinessID:     c.BusinessID,
				IdempotencyKey: ci.IdempotencyKey,
				Type:           ci.Type,
				Priority:       ci.Priority,
				Status:         StatusOpen,
				DueAt:          ci.DueAt,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := e.repo.Insert(item); err != nil {
				return nil, err
			}
			result.Created++
			e.auditor.RecordAt(now, c.BusinessID, string(events.WorkItemCreated), "work_item", ci.IdempotencyKey, nil, item, nil)
			e.emit(c.BusinessID, item, "created")

		case existing.Status == StatusCompleted:
			// Exactly-once: completed stays completed.
			result.Unchanged++

		default:
			if existing.Priority == ci.Priority && sameTime(existing.DueAt, ci.DueAt) {
				result.Unchanged++
				continue
			}
			before := *existing
			existing.Priority = ci.Priority
			existing.DueAt = ci.DueAt
			existing.UpdatedAt = now
			if err := e.repo.Update(existing); err != nil {
				return nil, err
			}
			result.Updated++
			e.auditor.RecordAt(now, c.BusinessID, string(events.WorkItemUpdated), "work_item", ci.IdempotencyKey, before, existing, nil)
			e.emit(c.BusinessID, existing, "updated")
		}
	}

	// Stale items: their condition no longer holds.
	current, err := e.repo.ListByCase(caseID)
	if err != nil {
		return nil, err
	}
	for i := range current {
		item := current[i]
		if computedKeys[item.IdempotencyKey] {
			continue
		}
		before := item
		item.Status = StatusCompleted
		resolvedAt := now
		item.ResolvedAt = &resolvedAt
		item.UpdatedAt = now
		if err := e.repo.Update(&item); err != nil {
			return nil, err
		}
		result.AutoResolved++
		e.auditor.RecordAt(now, c.BusinessID, string(events.WorkItemAutoResolved), "work_item", item.IdempotencyKey, before, item, nil)
		e.emit(c.BusinessID, &item, "auto_resolved")
	}

	return result, nil
}

// Complete marks an item done by an operator.
func (e *Engine) Complete(itemID int64) (*Item, error) {
	item, err := e.repo.GetByID(itemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("work item %d: %w", itemID, domain.ErrNotFound)
	}
	if item.Status == StatusCompleted {
		return item, nil
	}

	now := time.Now().UTC()
	before := *item
	item.Status = StatusCompleted
	item.ResolvedAt = &now
	item.UpdatedAt = now
	if err := e.repo.Update(item); err != nil {
		return nil, err
	}
	e.auditor.RecordAt(now, item.BusinessID, string(events.WorkItemUpdated), "work_item", item.IdempotencyKey, before, item,
		map[string]interface{}{"action": "complete"})
	e.emit(item.BusinessID, item, "updated")
	return item, nil
}

// Snooze pushes an item out until the given time.
func (e *Engine) Snooze(itemID int64, until time.Time) (*Item, error) {
	item, err := e.repo.GetByID(itemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("work item %d: %w", itemID, domain.ErrNotFound)
	}
	if item.Status == StatusCompleted {
		return nil, domain.Validationf("work item %d is completed", itemID)
	}

	now := time.Now().UTC()
	until = until.UTC()
	if !until.After(now) {
		return nil, domain.Validationf("snooze time must be in the future")
	}

	before := *item
	item.Status = StatusSnoozed
	item.SnoozedUntil = &until
	item.UpdatedAt = now
	if err := e.repo.Update(item); err != nil {
		return nil, err
	}
	e.auditor.RecordAt(now, item.BusinessID, string(events.WorkItemUpdated), "work_item", item.IdempotencyKey, before, item,
		map[string]interface{}{"action": "snooze", "until": until.Format(time.RFC3339)})
	e.emit(item.BusinessID, item, "updated")
	return item, nil
}

func (e *Engine) activePlanCreatedAt(c *cases.Case) (*time.Time, error) {
	if e.plans == nil {
		return nil, nil
	}
	return e.plans.ActivePlanCreatedAt(c.BusinessID, c.ID)
}

func (e *Engine) emit(businessID string, item *Item, change string) {
	if e.bus == nil {
		return
	}
	e.bus.Emit("work", &events.WorkItemChangedData{
		BusinessID: businessID,
		CaseID:     item.CaseID,
		WorkItemID: item.ID,
		ItemType:   item.Type,
		Status:     item.Status,
		Change:     change,
	})
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
