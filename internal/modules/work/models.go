// Package work turns case state into a deterministic checklist. Work items
// are derived, not authored: the same case state always materializes the same
// items, keyed so re-materialization is exactly-once.
package work

import (
	"fmt"
	"sort"
	"time"

	"github.com/clarityhq/clarity/internal/domain"
	"github.com/clarityhq/clarity/internal/modules/cases"
	"github.com/clarityhq/clarity/internal/utils"
)

// Work item types.
const (
	TypeSLABreach        = "SLA_BREACH"
	TypePlanOverdue      = "PLAN_OVERDUE"
	TypeNoPlan           = "NO_PLAN"
	TypeHighSeverity     = "HIGH_SEVERITY_TRIAGE"
	TypeReviewDue        = "REVIEW_DUE"
	TypeUnassignedCase   = "UNASSIGNED_CASE"
)

// Item statuses.
const (
	StatusOpen      = "open"
	StatusSnoozed   = "snoozed"
	StatusCompleted = "completed"
)

// Item is one persisted work item.
type Item struct {
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DueAt          *time.Time `json:"due_at,omitempty"`
	SnoozedUntil   *time.Time `json:"snoozed_until,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	BusinessID     string     `json:"business_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	CaseID         int64      `json:"case_id"`
	ID             int64      `json:"id"`
	Priority       int        `json:"priority"`
}

// ComputedItem is one item the rules derived for the current case state.
type ComputedItem struct {
	DueAt          *time.Time `json:"due_at,omitempty"`
	IdempotencyKey string     `json:"idempotency_key"`
	Type           string     `json:"type"`
	Priority       int        `json:"priority"`
}

// GenerateWorkItems derives the checklist for one case from its derived
// state. planCreatedAt is the active plan's creation time, nil when none.
// Output order is (-priority, due_at or +inf, type, idempotency_key) and is
// stable across runs.
func GenerateWorkItems(c *cases.Case, derived cases.DerivedState, planCreatedAt *time.Time, now time.Time) []ComputedItem {
	now = now.UTC()
	var items []ComputedItem

	resolved := c.Status == cases.StatusResolved

	if derived.SLABreached && !resolved {
		due := now
		items = append(items, ComputedItem{
			Type:           TypeSLABreach,
			Priority:       100,
			DueAt:          &due,
			IdempotencyKey: fmt.Sprintf("%d:%s", c.ID, TypeSLABreach),
		})
	}

	if derived.PlanOverdue {
		due := now
		if planCreatedAt != nil {
			due = planCreatedAt.Add(14 * 24 * time.Hour)
		}
		items = append(items, ComputedItem{
			Type:           TypePlanOverdue,
			Priority:       90,
			DueAt:          &due,
			IdempotencyKey: fmt.Sprintf("%d:%s", c.ID, TypePlanOverdue),
		})
	}

	if derived.OpenSignalCount30d >= 1 && planCreatedAt == nil {
		due := c.OpenedAt.Add(3 * 24 * time.Hour)
		items = append(items, ComputedItem{
			Type:           TypeNoPlan,
			Priority:       70,
			DueAt:          &due,
			IdempotencyKey: fmt.Sprintf("%d:%s", c.ID, TypeNoPlan),
		})
	}

	if (c.Severity == domain.CaseSeverityHigh || c.Severity == domain.CaseSeverityCritical) && c.Status == cases.StatusOpen {
		due := c.OpenedAt.Add(24 * time.Hour)
		items = append(items, ComputedItem{
			Type:           TypeHighSeverity,
			Priority:       80,
			DueAt:          &due,
			IdempotencyKey: fmt.Sprintf("%d:%s", c.ID, TypeHighSeverity),
		})
	}

	if c.NextReviewAt != nil && !c.NextReviewAt.After(now) {
		due := *c.NextReviewAt
		items = append(items, ComputedItem{
			Type:     TypeReviewDue,
			Priority: 60,
			DueAt:    &due,
			IdempotencyKey: fmt.Sprintf("%d:%s:%s", c.ID, TypeReviewDue,
				c.NextReviewAt.UTC().Format(utils.DateLayout)),
		})
	}

	if c.AssignedTo == "" && !resolved {
		items = append(items, ComputedItem{
			Type:           TypeUnassignedCase,
			Priority:       50,
			IdempotencyKey: fmt.Sprintf("%d:UNASSIGNED", c.ID),
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		au, bu := dueOrInf(a.DueAt), dueOrInf(b.DueAt)
		if au != bu {
			return au < bu
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.IdempotencyKey < b.IdempotencyKey
	})
	return items
}

func dueOrInf(t *time.Time) int64 {
	if t == nil {
		return int64(1) << 62
	}
	return t.Unix()
}
