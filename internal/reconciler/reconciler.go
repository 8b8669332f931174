// Package reconciler applies one planner-proposed change to its target
// user-layer event under the etag/lock/mandatory/editable-field gates,
// producing a tagged outcome rather than an error.
package reconciler

import (
	"context"
	"strings"
	"time"

	"github.com/jony/caldav-reconciler/internal/models"
	"github.com/jony/caldav-reconciler/internal/taskblock"
	"github.com/jony/caldav-reconciler/internal/transport"
	"github.com/jony/caldav-reconciler/internal/uidcodec"
)

// Outcome is the sum type of a reconciler apply: exactly one of Applied,
// Conflict, Skipped or Invalid is non-nil.
type Outcome struct {
	Applied *AppliedOutcome
	Conflict *ConflictOutcome
	Skipped *SkippedOutcome
	Invalid *InvalidOutcome
}

type AppliedOutcome struct {
	Before, After models.Event
	Patch         map[string]string
	BlockedFields []string
}

type ConflictOutcome struct {
	Reason string
	Event  models.Event
}

type SkippedOutcome struct {
	Reason        string
	BlockedFields []string
	Event         models.Event
}

type InvalidOutcome struct {
	Reason string
	Change models.Change
}

// Resolve finds the change's target event, in priority order: (1)
// direct (calendar_id, uid) hit, (2) (userCalendarID,
// StagingUID(calendar_id, uid)) - the planner named the source, (3) a
// unique UID match across the working set.
func Resolve(change models.Change, userCalendarID string, working []models.Event) (models.Event, bool) {
	for _, e := range working {
		if e.CalendarID == change.CalendarID && e.UID == change.UID {
			return e, true
		}
	}
	namespaced := uidcodec.StagingUID(change.CalendarID, change.UID)
	for _, e := range working {
		if e.CalendarID == userCalendarID && e.UID == namespaced {
			return e, true
		}
	}
	var match models.Event
	count := 0
	for _, e := range working {
		if e.UID == change.UID {
			match = e
			count++
		}
	}
	if count == 1 {
		return match, true
	}
	return models.Event{}, false
}

// Apply runs the gate ladder against one change and its resolved
// target event. baselineEtag is the etag snapshot taken after ingestion,
// compared against the target's live etag so a user edit racing the
// planner is detected. editableFields overrides the task block's
// editable_fields when non-empty; otherwise the block's own list
// (falling back to config defaults) governs.
func Apply(ctx context.Context, client transport.CalDAVClient, change models.Change, target models.Event, baselineEtag string, editableFields []string, defaults models.TaskDefaultsConfig) Outcome {
	if target.Locked || target.Mandatory {
		return Outcome{Conflict: &ConflictOutcome{Reason: "event_locked_or_mandatory", Event: target}}
	}

	parsedBlock, _ := taskblock.Parse(target.Description)
	normalized := taskblock.Normalize(parsedBlock, defaults)
	if len(editableFields) == 0 {
		editableFields = normalized.EditableFields
	}
	allowed := toSet(editableFields)

	requested, blocked := splitFields(change, allowed)

	if normalized.UserIntent == "" {
		return Outcome{Skipped: &SkippedOutcome{Reason: "ai_change_skipped_no_intent", Event: target}}
	}

	parsedStart, parsedEnd, parseErr := parseDatetimes(change)
	if parseErr {
		return Outcome{Invalid: &InvalidOutcome{Reason: "invalid_datetime", Change: change}}
	}

	if baselineEtag != "" && baselineEtag != target.ETag {
		return Outcome{Conflict: &ConflictOutcome{Reason: "user_modified_after_planning", Event: target}}
	}

	patch := map[string]string{}
	updated := target
	if requested["start"] && parsedStart != nil && !parsedStart.Equal(target.Start) {
		patch["start"] = target.Start.Format(time.RFC3339) + " -> " + parsedStart.Format(time.RFC3339)
		updated.Start = *parsedStart
	}
	if requested["end"] && parsedEnd != nil && !parsedEnd.Equal(target.EffectiveEnd()) {
		patch["end"] = target.EffectiveEnd().Format(time.RFC3339) + " -> " + parsedEnd.Format(time.RFC3339)
		updated.End = *parsedEnd
	}
	if requested["summary"] && change.Summary != nil && *change.Summary != target.Summary {
		patch["summary"] = target.Summary + " -> " + *change.Summary
		updated.Summary = *change.Summary
	}
	if requested["location"] && change.Location != nil && *change.Location != target.Location {
		patch["location"] = target.Location + " -> " + *change.Location
		updated.Location = *change.Location
	}
	if requested["description"] && change.Description != nil && *change.Description != stripBlock(target.Description) {
		patch["description"] = "updated"
		updated.Description = taskblock.Emit(*change.Description, normalized)
	}

	if len(patch) == 0 {
		cleared := taskblock.ClearIntent(target.Description)
		if cleared != target.Description {
			if _, err := client.Upsert(ctx, target.CalendarID, withDescription(target, cleared)); err != nil {
				return Outcome{Invalid: &InvalidOutcome{Reason: "run_error", Change: change}}
			}
		}
		out := &SkippedOutcome{Reason: "ai_change_skipped_no_effect", Event: target}
		if len(blocked) > 0 {
			out.BlockedFields = blocked
		}
		return Outcome{Skipped: out}
	}

	category := ""
	if change.Category != nil {
		category = strings.TrimSpace(*change.Category)
	}
	if category == "" {
		category = InferCategory("", updated.Summary, updated.Description, change.Reason)
	}
	withCategory, _ := taskblock.SetCategory(updated.Description, category)
	updated.Description = taskblock.ClearIntent(withCategory)

	written, err := client.Upsert(ctx, updated.CalendarID, updated)
	if err != nil {
		return Outcome{Invalid: &InvalidOutcome{Reason: "run_error", Change: change}}
	}

	applied := &AppliedOutcome{Before: target, After: written, Patch: patch, BlockedFields: blocked}
	return Outcome{Applied: applied}
}

func withDescription(e models.Event, desc string) models.Event {
	e.Description = desc
	return e
}

func stripBlock(description string) string {
	return taskblock.Strip(description)
}

func toSet(fields []string) map[string]bool {
	m := make(map[string]bool, len(fields))
	for _, f := range fields {
		m[f] = true
	}
	return m
}

// splitFields returns which of the change's present fields are within
// allowed, and which are blocked (present but not editable).
func splitFields(change models.Change, allowed map[string]bool) (requested map[string]bool, blocked []string) {
	requested = map[string]bool{}
	check := func(name string, present bool) {
		if !present {
			return
		}
		if allowed[name] {
			requested[name] = true
		} else {
			blocked = append(blocked, name)
		}
	}
	check("start", change.Start != nil)
	check("end", change.End != nil)
	check("summary", change.Summary != nil)
	check("location", change.Location != nil)
	check("description", change.Description != nil)
	return requested, blocked
}

func parseDatetimes(change models.Change) (start, end *time.Time, failed bool) {
	if change.Start != nil {
		t, err := time.Parse(time.RFC3339, *change.Start)
		if err != nil {
			return nil, nil, true
		}
		start = &t
	}
	if change.End != nil {
		t, err := time.Parse(time.RFC3339, *change.End)
		if err != nil {
			return nil, nil, true
		}
		end = &t
	}
	return start, end, false
}
