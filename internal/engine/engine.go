// Package engine is the run orchestrator: it owns the config store,
// audit store, CalDAV client and planner client, and sequences one
// reconciliation pass end to end.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jony/caldav-reconciler/internal/audit"
	"github.com/jony/caldav-reconciler/internal/config"
	"github.com/jony/caldav-reconciler/internal/fingerprint"
	"github.com/jony/caldav-reconciler/internal/ingestion"
	"github.com/jony/caldav-reconciler/internal/layers"
	"github.com/jony/caldav-reconciler/internal/models"
	"github.com/jony/caldav-reconciler/internal/planner"
	"github.com/jony/caldav-reconciler/internal/reconciler"
	"github.com/jony/caldav-reconciler/internal/rlog"
	"github.com/jony/caldav-reconciler/internal/stagemirror"
	"github.com/jony/caldav-reconciler/internal/taskblock"
	"github.com/jony/caldav-reconciler/internal/transport"
)

// Engine owns the four collaborators a run needs.
type Engine struct {
	Config  *config.Store
	Audit   *audit.Store
	CalDAV  transport.CalDAVClient
	Planner transport.PlannerClient

	log rlog.Logger
}

// New constructs an Engine.
func New(cfgStore *config.Store, auditStore *audit.Store, caldav transport.CalDAVClient, plannerClient transport.PlannerClient) *Engine {
	return &Engine{Config: cfgStore, Audit: auditStore, CalDAV: caldav, Planner: plannerClient, log: rlog.New("Engine")}
}

// RunOnce performs one reconciliation pass and returns its summary. It
// has no error return: failures are audited and reflected in the
// summary's status.
func (e *Engine) RunOnce(ctx context.Context, trigger models.Trigger, window *models.Window) models.RunSummary {
	start := time.Now()
	cfg := e.Config.Get()

	if cfg.CalDAV.BaseURL == "" || cfg.CalDAV.Username == "" {
		return e.finish(models.RunSummary{
			RunAt: start, Trigger: trigger, Status: models.StatusSkipped,
			Message: "caldav not configured", DurationMS: sinceMS(start),
		}, nil)
	}

	win := planningWindow(cfg, window)

	runID, err := e.Audit.RecordRun(models.RunSummary{RunAt: start, Trigger: trigger, Status: models.StatusError})
	if err != nil {
		e.log.Errorf("record run failed: %v", err)
	}
	auditEvent := func(action, calendarID, uid, detail string) {
		if aerr := e.Audit.RecordAuditEvent(runID, calendarID, uid, action, map[string]string{"detail": detail}); aerr != nil {
			e.log.Errorf("record audit event %s failed: %v", action, aerr)
		}
	}

	summary, runErr := e.runOnceInner(ctx, trigger, win, cfg, runID, auditEvent)
	if runErr != nil {
		summary = models.RunSummary{
			RunAt: start, Trigger: trigger, Status: models.StatusError,
			Message: boundedTraceback(runErr), DurationMS: sinceMS(start),
		}
		auditEvent("run_error", "", "", summary.Message)
	}
	summary.DurationMS = sinceMS(start)
	return e.finish(summary, &runID)
}

func (e *Engine) finish(summary models.RunSummary, runID *int64) models.RunSummary {
	if runID != nil {
		// Overwrite the placeholder row recorded at run start with the
		// final outcome.
		if err := e.Audit.UpdateRun(*runID, summary); err != nil {
			e.log.Errorf("record final run summary failed: %v", err)
		}
	}
	return summary
}

func (e *Engine) runOnceInner(ctx context.Context, trigger models.Trigger, win models.Window, cfg models.Config, runID int64, auditEvent ingestion.AuditFunc) (models.RunSummary, error) {
	start := time.Now()

	known, err := e.CalDAV.ListCalendars(ctx)
	if err != nil {
		return models.RunSummary{}, fmt.Errorf("list calendars: %w", err)
	}

	userCal, stageCal, intakeCal, createdAny, err := layers.EnsureManaged(ctx, e.CalDAV, cfg.CalendarRules, known)
	if err != nil {
		return models.RunSummary{}, fmt.Errorf("ensure managed calendars: %w", err)
	}
	if createdAny {
		if _, merr := e.Config.Merge(models.Config{CalendarRules: models.CalendarRulesConfig{
			User:    models.CalendarRef{ID: userCal.ID, Name: userCal.Name},
			Staging: models.CalendarRef{ID: stageCal.ID, Name: stageCal.Name},
			Intake:  models.CalendarRef{ID: intakeCal.ID, Name: intakeCal.Name},
		}}); merr != nil {
			e.log.Errorf("persist managed calendar ids failed: %v", merr)
		}
	}

	managedIDs := layers.ManagedIDs{User: userCal.ID, Stage: stageCal.ID, Intake: intakeCal.ID}
	managedNames := []string{userCal.Name, stageCal.Name, intakeCal.Name}
	classified := layers.Classify(known, managedIDs, managedNames, cfg.CalendarRules)

	knownManagedIDs, rawKnown, _ := e.loadKnownManagedIDs()
	knownManagedIDs[userCal.ID] = true
	knownManagedIDs[stageCal.ID] = true
	knownManagedIDs[intakeCal.ID] = true
	if joined := joinKnownManagedIDs(knownManagedIDs); joined != rawKnown {
		if serr := e.Audit.SetMeta("known_managed_calendar_ids", joined); serr != nil {
			e.log.Errorf("persist known managed calendar ids failed: %v", serr)
		}
	}

	layerAudit := func(action, calendarID, detail string) { auditEvent(action, calendarID, "", detail) }
	purgeForced, err := layers.PurgeDuplicates(ctx, e.CalDAV, classified.Duplicates, win, knownManagedIDs, layerAudit)
	if err != nil {
		return models.RunSummary{}, fmt.Errorf("purge duplicates: %w", err)
	}

	mutated := purgeForced

	stageEvents, err := e.CalDAV.Fetch(ctx, stageCal.ID, win.Start, win.End)
	if err != nil {
		return models.RunSummary{}, fmt.Errorf("fetch stage: %w", err)
	}
	stageEvents, stageMutated := ingestion.StageHygiene(stageEvents, auditEvent)
	mutated = mutated || stageMutated

	userEvents, err := e.CalDAV.Fetch(ctx, userCal.ID, win.Start, win.End)
	if err != nil {
		return models.RunSummary{}, fmt.Errorf("fetch user: %w", err)
	}
	userEvents, userMutated, err := ingestion.UserHygiene(ctx, e.CalDAV, userCal.ID, userEvents, auditEvent)
	if err != nil {
		return models.RunSummary{}, fmt.Errorf("user hygiene: %w", err)
	}
	mutated = mutated || userMutated

	userByUID := map[string]models.Event{}
	for _, e2 := range userEvents {
		userByUID[e2.UID] = e2
	}

	intakeEvents, err := e.CalDAV.Fetch(ctx, intakeCal.ID, win.Start, win.End)
	if err != nil {
		return models.RunSummary{}, fmt.Errorf("fetch intake: %w", err)
	}
	intakeMutated, err := ingestion.ImportIntake(ctx, e.CalDAV, intakeCal.ID, userCal.ID, intakeEvents, userByUID, cfg.TaskDefaults, auditEvent)
	if err != nil {
		return models.RunSummary{}, fmt.Errorf("import intake: %w", err)
	}
	mutated = mutated || intakeMutated

	// Editable and immutable sources are fetched concurrently with a
	// bounded fan-out; only the ingestion phase as a whole must complete
	// before the planner is consulted, not each source's I/O in turn.
	// Seeding itself stays sequential since it mutates the shared
	// userByUID working set.
	sourceCals := append(append([]models.Calendar{}, classified.EditableSources...), classified.ImmutableSources...)
	sourceFetches, ferr := ingestion.FetchAll(ctx, e.CalDAV, sourceCals, win)
	if ferr != nil {
		return models.RunSummary{}, fmt.Errorf("fetch source calendars: %w", ferr)
	}

	for _, src := range classified.EditableSources {
		sm, serr := ingestion.SeedFromSource(ctx, e.CalDAV, src, models.RoleEditableSource, userCal.ID, sourceFetches[src.ID], userByUID, cfg.TaskDefaults, auditEvent)
		if serr != nil {
			return models.RunSummary{}, fmt.Errorf("seed source %s: %w", src.ID, serr)
		}
		mutated = mutated || sm
	}

	var immutableEvents []models.Event
	for _, src := range classified.ImmutableSources {
		events := sourceFetches[src.ID]
		sm, serr := ingestion.SeedFromSource(ctx, e.CalDAV, src, models.RoleImmutable, userCal.ID, events, userByUID, cfg.TaskDefaults, auditEvent)
		if serr != nil {
			return models.RunSummary{}, fmt.Errorf("normalize immutable source %s: %w", src.ID, serr)
		}
		mutated = mutated || sm
		immutableEvents = append(immutableEvents, events...)
	}

	// Re-fetch the user layer: ingestion may have seeded/migrated events.
	userEvents, err = e.CalDAV.Fetch(ctx, userCal.ID, win.Start, win.End)
	if err != nil {
		return models.RunSummary{}, fmt.Errorf("re-fetch user: %w", err)
	}
	// Every user-layer event must carry a valid task block before the
	// fingerprint gate sees it; a missing or malformed block is
	// normalized on sight and written back.
	for i, ue := range userEvents {
		newDesc, _, changed := taskblock.Ensure(ue.Description, cfg.TaskDefaults)
		if !changed {
			continue
		}
		ue.Description = newDesc
		written, werr := e.CalDAV.Upsert(ctx, userCal.ID, ue)
		if werr != nil {
			return models.RunSummary{}, fmt.Errorf("normalize user task block %s: %w", ue.UID, werr)
		}
		userEvents[i] = written
		auditEvent("normalize_user_task_block", userCal.ID, ue.UID, "task block synthesized or repaired")
		mutated = true
	}
	// The baseline etag snapshot is taken here, after ingestion, so
	// normalization writes do not poison it for planner-sourced edits.
	baselineEtags := map[string]string{}
	for _, e2 := range userEvents {
		baselineEtags[e2.UID] = e2.ETag
	}

	replan := fingerprint.ShouldReplan(trigger, userEvents, stageEvents, mutated)

	var changesApplied, conflicts int
	if replan {
		immutableIDs := make([]string, 0, len(classified.ImmutableSources))
		for _, c := range classified.ImmutableSources {
			immutableIDs = append(immutableIDs, c.ID)
		}
		payload := planner.BuildPayload(win, immutableIDs, immutableEvents, userEvents)

		lastFP, _, _ := e.Audit.GetMeta("last_payload_fingerprint")
		gw := planner.Gateway{Client: e.Planner}
		changes, newFP, skipped, reqBytes, perr := gw.Invoke(ctx, trigger, payload, lastFP)
		if perr != nil {
			auditEvent("run_error", "", "", "planner call failed: "+perr.Error())
		} else if skipped {
			auditEvent("skip_ai_same_payload", "", "", "payload fingerprint unchanged")
		} else {
			if serr := e.Audit.SetMeta("last_payload_fingerprint", newFP); serr != nil {
				e.log.Errorf("persist payload fingerprint failed: %v", serr)
			}
			auditEvent("planner_request", "", "", fmt.Sprintf("request_bytes=%d", reqBytes))
			auditEvent("planner_response", "", "", previewChanges(changes))

			for _, change := range changes {
				target, ok := reconciler.Resolve(change, userCal.ID, userEvents)
				if !ok {
					auditEvent("ai_change_unmatched", change.CalendarID, change.UID, "no matching working-set event")
					continue
				}
				out := reconciler.Apply(ctx, e.CalDAV, change, target, baselineEtags[target.UID], nil, cfg.TaskDefaults)
				recordOutcome(e.Audit, runID, out, auditEvent, &changesApplied, &conflicts)
				if out.Applied != nil {
					// Later changes in the same run must see the etag this
					// apply just wrote, both as the live version and as the
					// baseline, or they would misread the run's own write as
					// a racing user edit.
					baselineEtags[out.Applied.After.UID] = out.Applied.After.ETag
					for i, ue := range userEvents {
						if ue.UID == out.Applied.After.UID {
							userEvents[i] = out.Applied.After
						}
					}
				}
			}
		}
	}

	if err := stagemirror.Mirror(ctx, e.CalDAV, stageCal.ID, userEvents, func(action, uid, detail string) { auditEvent(action, stageCal.ID, uid, detail) }); err != nil {
		return models.RunSummary{}, fmt.Errorf("stage mirror: %w", err)
	}

	// Snapshot every user-layer event's post-run etag and content
	// fingerprint, so a future run (or an operator inspecting
	// event_snapshots directly) can see what the diff baseline looked
	// like without re-fetching the stage calendar.
	for _, ue := range userEvents {
		if serr := e.Audit.UpsertEventSnapshot(ue.CalendarID, ue.UID, ue.ETag, fingerprint.Of(ue)); serr != nil {
			e.log.Errorf("upsert event snapshot %s/%s failed: %v", ue.CalendarID, ue.UID, serr)
		}
	}

	return models.RunSummary{
		RunAt: start, Trigger: trigger, Status: models.StatusSuccess,
		Message: "ok", ChangesApplied: changesApplied, Conflicts: conflicts,
	}, nil
}

// recordOutcome audits a single reconciler outcome. apply_ai_change and
// conflict events additionally get a structured models.ChangeAuditDetail
// recorded directly (bypassing the plain-string AuditFunc) so the undo
// and revise surfaces can recover the before/after state and the etag
// that was live at write time.
func recordOutcome(store *audit.Store, runID int64, out reconciler.Outcome, auditEvent ingestion.AuditFunc, changesApplied, conflicts *int) {
	switch {
	case out.Applied != nil:
		*changesApplied++
		if len(out.Applied.BlockedFields) > 0 {
			auditEvent("ai_change_blocked_by_editable_fields", out.Applied.After.CalendarID, out.Applied.After.UID, joinFields(out.Applied.BlockedFields))
		}
		recordChangeDetail(store, runID, "apply_ai_change", out.Applied.After.CalendarID, out.Applied.After.UID, models.ChangeAuditDetail{
			Before: out.Applied.Before, After: out.Applied.After, Patch: out.Applied.Patch,
			Reason: "applied", ExpectedETag: out.Applied.After.ETag,
		})
	case out.Conflict != nil:
		*conflicts++
		recordChangeDetail(store, runID, out.Conflict.Reason, out.Conflict.Event.CalendarID, out.Conflict.Event.UID, models.ChangeAuditDetail{
			Before: out.Conflict.Event, Reason: out.Conflict.Reason, ExpectedETag: out.Conflict.Event.ETag,
		})
	case out.Skipped != nil:
		if len(out.Skipped.BlockedFields) > 0 {
			auditEvent("ai_change_blocked_by_editable_fields", out.Skipped.Event.CalendarID, out.Skipped.Event.UID, joinFields(out.Skipped.BlockedFields))
		}
		auditEvent(out.Skipped.Reason, out.Skipped.Event.CalendarID, out.Skipped.Event.UID, out.Skipped.Reason)
	case out.Invalid != nil:
		auditEvent(out.Invalid.Reason, out.Invalid.Change.CalendarID, out.Invalid.Change.UID, out.Invalid.Reason)
	}
}

func recordChangeDetail(store *audit.Store, runID int64, action, calendarID, uid string, detail models.ChangeAuditDetail) {
	if err := store.RecordAuditEvent(runID, calendarID, uid, action, detail); err != nil {
		rlog.New("Engine").Errorf("record change audit detail %s failed: %v", action, err)
	}
}

func joinFields(fields []string) string {
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += ","
		}
		out += f
	}
	return out
}

func previewChanges(changes []models.Change) string {
	limit := planner.GeneratePreviewLimit
	if len(changes) < limit {
		limit = len(changes)
	}
	out := ""
	for i := 0; i < limit; i++ {
		if i > 0 {
			out += ";"
		}
		out += changes[i].CalendarID + ":" + changes[i].UID
	}
	return out
}

func (e *Engine) loadKnownManagedIDs() (map[string]bool, string, error) {
	raw, ok, err := e.Audit.GetMeta("known_managed_calendar_ids")
	ids := map[string]bool{}
	if err != nil || !ok || raw == "" {
		return ids, raw, err
	}
	for _, id := range splitComma(raw) {
		ids[id] = true
	}
	return ids, raw, nil
}

func joinKnownManagedIDs(ids map[string]bool) string {
	out := ""
	for id := range ids {
		if out != "" {
			out += ","
		}
		out += id
	}
	return out
}

func splitComma(s string) []string {
	var out []string
	cur := ""
	for _, r := range s {
		if r == ',' {
			out = append(out, cur)
			cur = ""
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

func planningWindow(cfg models.Config, override *models.Window) models.Window {
	if override != nil {
		return *override
	}
	days := cfg.Sync.WindowDays
	if days < 1 {
		days = 1
	}
	now := time.Now().UTC()
	startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	endOfWindow := startOfToday.AddDate(0, 0, days).Add(-time.Nanosecond)
	return models.Window{Start: startOfToday, End: endOfWindow, Timezone: cfg.Sync.Timezone}
}

func sinceMS(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}

func boundedTraceback(err error) string {
	msg := err.Error()
	const maxLen = 2000
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}
