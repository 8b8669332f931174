// Package transport declares the narrow collaborator interfaces the
// reconciliation core consumes. The core depends only on these
// contracts; concrete implementations (internal/caldavhttp,
// internal/aiclient) and test fakes are interchangeable behind them.
package transport

import (
	"context"
	"strings"
	"time"

	"github.com/jony/caldav-reconciler/internal/models"
)

// CalDAVClient is the calendar collaborator consumed by the core.
type CalDAVClient interface {
	ListCalendars(ctx context.Context) ([]models.Calendar, error)
	EnsureCalendar(ctx context.Context, id, name string) (models.Calendar, error)
	Fetch(ctx context.Context, calendarID string, start, end time.Time) ([]models.Event, error)
	Upsert(ctx context.Context, calendarID string, event models.Event) (models.Event, error)
	Delete(ctx context.Context, calendarID, uidOrHref string) (bool, error)
	GetByUID(ctx context.Context, calendarID, uid string) (*models.Event, error)
}

// PlannerMessage is one turn of the chat exchange sent to the planner.
type PlannerMessage struct {
	Role    string
	Content string
}

// PlannerResponse is the planner collaborator's decoded reply.
type PlannerResponse struct {
	Changes []models.Change
}

// PlannerClient is the LLM planner collaborator consumed by the core.
type PlannerClient interface {
	IsConfigured() bool
	Generate(ctx context.Context, messages []PlannerMessage) (PlannerResponse, error)
	Test(ctx context.Context) (bool, string)
	ListModels(ctx context.Context) ([]string, error)
}

// DuplicateUIDError is returned by a CalDAVClient.Upsert implementation
// when the backend rejects a write because of a UID collision. The
// reconciler/stage mirror repair paths recognize it by its message,
// which LooksLikeDuplicateUID matches on "duplicate uid".
type DuplicateUIDError struct {
	CalendarID string
	UID        string
	Detail     string
}

func (e *DuplicateUIDError) Error() string {
	return "duplicate uid " + e.UID + " on " + e.CalendarID + ": " + e.Detail
}

// duplicateUIDSubstrings is the closed set of backend error substrings
// that identify a duplicate-UID write failure.
var duplicateUIDSubstrings = []string{
	"uid already exists",
	"duplicate uid",
	"already exists in calendar",
	"409 conflict",
}

// LooksLikeDuplicateUID reports whether a raw transport error message
// matches the closed set of known duplicate-UID substrings, for
// transports that do not return a typed DuplicateUIDError.
func LooksLikeDuplicateUID(msg string) bool {
	lower := strings.ToLower(msg)
	for _, s := range duplicateUIDSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
