// Package layers resolves and classifies the calendars a run touches:
// the three managed calendars (user/stage/intake), every other source
// calendar's role, and duplicate-calendar detection and purge.
package layers

import (
	"context"
	"strings"

	"github.com/hbollon/go-edlib"

	"github.com/jony/caldav-reconciler/internal/models"
	"github.com/jony/caldav-reconciler/internal/transport"
)

// AuditFunc records a warning or mutation audit event; wired to
// internal/audit by the run orchestrator.
type AuditFunc func(action, calendarID, detail string)

// ManagedIDs holds the resolved ids of the three managed calendars,
// which Classify skips.
type ManagedIDs struct {
	User, Stage, Intake string
}

// Classified is the per-run classification of every known calendar.
type Classified struct {
	User, Stage, Intake models.Calendar
	EditableSources      []models.Calendar
	ImmutableSources     []models.Calendar
	Duplicates           []models.Calendar // role-tagged below in DuplicateRole
	DuplicateRole        map[string]models.CalendarRole
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// EnsureManaged resolves the three managed calendars by id if still
// present, else by exact normalized name, else creates them. It returns
// the resolved calendars and whether any id was newly created (the
// caller must then persist the mapping back to configuration).
func EnsureManaged(ctx context.Context, client transport.CalDAVClient, rules models.CalendarRulesConfig, known []models.Calendar) (user, stage, intake models.Calendar, createdAny bool, err error) {
	resolve := func(ref models.CalendarRef) (models.Calendar, bool, error) {
		if ref.ID != "" {
			for _, c := range known {
				if c.ID == ref.ID {
					return c, false, nil
				}
			}
		}
		target := normalizeName(ref.Name)
		for _, c := range known {
			if normalizeName(c.Name) == target {
				return c, false, nil
			}
		}
		created, e := client.EnsureCalendar(ctx, ref.ID, ref.Name)
		return created, true, e
	}

	var createdUser, createdStage, createdIntake bool
	if user, createdUser, err = resolve(rules.User); err != nil {
		return
	}
	if stage, createdStage, err = resolve(rules.Staging); err != nil {
		return
	}
	if intake, createdIntake, err = resolve(rules.Intake); err != nil {
		return
	}
	createdAny = createdUser || createdStage || createdIntake
	return
}

// Classify assigns a role to every calendar other than the three
// managed ones: name-collision against managed names first
// (exact-normalized, or fuzzy-near via go-edlib as a strengthened
// check), then per-calendar override, then keyword scan.
func Classify(calendars []models.Calendar, managed ManagedIDs, names []string, rules models.CalendarRulesConfig) Classified {
	result := Classified{DuplicateRole: map[string]models.CalendarRole{}}
	managedNames := map[string]bool{}
	for _, n := range names {
		managedNames[normalizeName(n)] = true
	}

	immutableIDs := map[string]bool{}
	for _, id := range rules.ImmutableCalendarIDs {
		immutableIDs[id] = true
	}

	for _, cal := range calendars {
		if cal.ID == managed.User || cal.ID == managed.Stage || cal.ID == managed.Intake {
			continue
		}
		if isManagedNameCollision(cal.Name, managedNames) {
			result.Duplicates = append(result.Duplicates, cal)
			result.DuplicateRole[cal.ID] = models.RoleManagedDuplicate
			continue
		}
		if override, ok := rules.PerCalendarDefaults[cal.ID]; ok {
			if override.Mode == "immutable" {
				result.ImmutableSources = append(result.ImmutableSources, cal)
			} else {
				result.EditableSources = append(result.EditableSources, cal)
			}
			continue
		}
		if immutableIDs[cal.ID] || matchesImmutableKeyword(cal.Name, rules.ImmutableKeywords) {
			result.ImmutableSources = append(result.ImmutableSources, cal)
			continue
		}
		result.EditableSources = append(result.EditableSources, cal)
	}
	return result
}

// isManagedNameCollision reports an exact normalized match, or a
// prefix-style collision ("<name> " / "<name>("), strengthened by a
// JaroWinkler fuzzy pass (score above 0.94) for near-duplicate names.
// Whitespace and case differences are already removed by normalization.
func isManagedNameCollision(name string, managedNames map[string]bool) bool {
	norm := normalizeName(name)
	if managedNames[norm] {
		return true
	}
	for managed := range managedNames {
		if strings.HasPrefix(norm, managed+" ") || strings.HasPrefix(norm, managed+"(") {
			return true
		}
		score, err := edlib.StringsSimilarity(norm, managed, edlib.JaroWinkler)
		if err == nil && score > 0.94 && norm != managed {
			return true
		}
	}
	return false
}

func matchesImmutableKeyword(name string, keywords []string) bool {
	lower := strings.ToLower(name)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// PurgeDuplicates deletes events inside the window for every duplicate
// calendar whose id is already in the known-managed-id set. Otherwise it
// records a warning audit and leaves the calendar untouched: only
// collections this system itself produced are safe to drain.
func PurgeDuplicates(ctx context.Context, client transport.CalDAVClient, duplicates []models.Calendar, window models.Window, knownManagedIDs map[string]bool, audit AuditFunc) (forceReplan bool, err error) {
	for _, cal := range duplicates {
		if !knownManagedIDs[cal.ID] {
			if audit != nil {
				audit("warn_unverified_duplicate_user_calendar", cal.ID, "duplicate name "+cal.Name+" not in known-managed set; left untouched")
			}
			continue
		}
		events, ferr := client.Fetch(ctx, cal.ID, window.Start, window.End)
		if ferr != nil {
			return forceReplan, ferr
		}
		for _, e := range events {
			if _, derr := client.Delete(ctx, cal.ID, e.UID); derr != nil {
				return forceReplan, derr
			}
		}
		if audit != nil {
			audit("purge_managed_duplicate", cal.ID, "purged verified duplicate "+cal.Name)
		}
		forceReplan = true
	}
	return forceReplan, nil
}
