// Package ingestion moves intake events into the user layer under
// namespaced UIDs, seeds user-layer twins from source calendars, and
// repairs nested/duplicate UIDs left by earlier runs.
package ingestion

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jony/caldav-reconciler/internal/models"
	"github.com/jony/caldav-reconciler/internal/taskblock"
	"github.com/jony/caldav-reconciler/internal/transport"
	"github.com/jony/caldav-reconciler/internal/uidcodec"
)

// MaxConcurrentFetch bounds how many calendars are fetched in parallel.
const MaxConcurrentFetch = 4

// AuditFunc records an ingestion-phase audit event.
type AuditFunc func(action, calendarID, uid, detail string)

// FetchAll fetches every calendar in window concurrently, bounded by
// MaxConcurrentFetch. The first fetch error cancels the remaining
// fetches and is returned with a nil result map.
func FetchAll(ctx context.Context, client transport.CalDAVClient, calendars []models.Calendar, window models.Window) (map[string][]models.Event, error) {
	results := make(map[string][]models.Event, len(calendars))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrentFetch)

	for _, cal := range calendars {
		cal := cal
		g.Go(func() error {
			events, err := client.Fetch(gctx, cal.ID, window.Start, window.End)
			if err != nil {
				return err
			}
			mu.Lock()
			results[cal.ID] = events
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// StageHygiene drops stage events with nested UIDs (depth >= 2) or
// duplicate UIDs within the fetch.
func StageHygiene(events []models.Event, audit AuditFunc) (cleaned []models.Event, mutated bool) {
	seen := map[string]bool{}
	for _, e := range events {
		if uidcodec.Depth(e.UID) >= 2 {
			if audit != nil {
				audit("purge_nested_stage_uid", e.CalendarID, e.UID, "nested uid dropped during stage hygiene")
			}
			mutated = true
			continue
		}
		if seen[e.UID] {
			if audit != nil {
				audit("dedupe_stage_uid", e.CalendarID, e.UID, "duplicate uid within fetch dropped")
			}
			mutated = true
			continue
		}
		seen[e.UID] = true
		cleaned = append(cleaned, e)
	}
	return cleaned, mutated
}

// UserHygiene repairs nested UIDs in the user layer: collapse depth>=2
// uids, merging into an existing collapsed twin or migrating in place,
// and deduplicates remaining events by UID. Plain-UID events are
// gathered first so the "collapsed twin already exists" check sees the
// whole fetch, not just the slice prefix: CalDAV does not guarantee a
// nested entry arrives after its twin.
func UserHygiene(ctx context.Context, client transport.CalDAVClient, userCalendarID string, events []models.Event, audit AuditFunc) (result []models.Event, mutated bool, err error) {
	byUID := map[string]models.Event{}
	order := []string{}
	var nested []models.Event
	for _, e := range events {
		if uidcodec.Depth(e.UID) >= 2 {
			nested = append(nested, e)
			continue
		}
		if _, exists := byUID[e.UID]; !exists {
			order = append(order, e.UID)
		}
		byUID[e.UID] = e
	}
	for _, e := range nested {
		collapsed := uidcodec.Collapse(e.UID)
		if _, exists := byUID[collapsed]; exists {
			if _, derr := client.Delete(ctx, userCalendarID, e.UID); derr != nil {
				return nil, mutated, derr
			}
			if audit != nil {
				audit("purge_nested_user_uid", userCalendarID, e.UID, "nested twin deleted, collapsed twin already present")
			}
			mutated = true
			continue
		}
		migrated := e
		migrated.UID = collapsed
		if _, werr := client.Upsert(ctx, userCalendarID, migrated); werr != nil {
			if transport.LooksLikeDuplicateUID(werr.Error()) {
				if _, derr := client.Delete(ctx, userCalendarID, e.UID); derr != nil {
					return nil, mutated, derr
				}
				if audit != nil {
					audit("purge_invalid_nested_user_uid", userCalendarID, e.UID, "migration write collided, dropped")
				}
				mutated = true
				continue
			}
			return nil, mutated, werr
		}
		if _, derr := client.Delete(ctx, userCalendarID, e.UID); derr != nil {
			return nil, mutated, derr
		}
		order = append(order, collapsed)
		byUID[collapsed] = migrated
		mutated = true
	}
	for _, uid := range order {
		result = append(result, byUID[uid])
	}
	return result, mutated, nil
}

// ImportIntake drains the intake calendar: any intake event already
// carrying a managed prefix is purged outright (intake must contain
// only raw user creations); otherwise it is namespaced and moved into
// the user layer, with duplicate-uid write errors absorbed.
func ImportIntake(ctx context.Context, client transport.CalDAVClient, intakeCalendarID, userCalendarID string, intakeEvents []models.Event, userByUID map[string]models.Event, defaults models.TaskDefaultsConfig, audit AuditFunc) (mutated bool, err error) {
	for _, e := range intakeEvents {
		if uidcodec.Depth(e.UID) >= 1 {
			if _, derr := client.Delete(ctx, intakeCalendarID, e.UID); derr != nil {
				return mutated, derr
			}
			if audit != nil {
				audit("purge_namespaced_intake_event", intakeCalendarID, e.UID, "intake must contain only raw user creations")
			}
			mutated = true
			continue
		}
		target := uidcodec.StagingUID(intakeCalendarID, e.UID)
		if _, exists := userByUID[target]; exists {
			if _, derr := client.Delete(ctx, intakeCalendarID, e.UID); derr != nil {
				return mutated, derr
			}
			continue
		}
		seeded := e
		seeded.CalendarID = userCalendarID
		seeded.UID = target
		seeded.Source = models.SourceUser
		seeded.OriginalCalendarID = intakeCalendarID
		seeded.OriginalUID = e.UID
		newDesc, _, _ := taskblock.Ensure(seeded.Description, defaults)
		seeded.Description = newDesc

		if _, werr := client.Upsert(ctx, userCalendarID, seeded); werr != nil {
			if !transport.LooksLikeDuplicateUID(werr.Error()) {
				return mutated, werr
			}
		}
		if _, derr := client.Delete(ctx, intakeCalendarID, e.UID); derr != nil {
			return mutated, derr
		}
		if audit != nil {
			audit("import_intake_event", userCalendarID, target, "imported from intake")
		}
		mutated = true
	}
	return mutated, nil
}

// SeedFromSource ensures a task block on every source event, seeds or
// migrates a namespaced user-layer twin for editable sources, and
// normalizes immutable-source events in place with locked/mandatory
// forced true without ever seeding a twin.
func SeedFromSource(ctx context.Context, client transport.CalDAVClient, sourceCal models.Calendar, role models.CalendarRole, userCalendarID string, sourceEvents []models.Event, userByUID map[string]models.Event, defaults models.TaskDefaultsConfig, audit AuditFunc) (mutated bool, err error) {
	for _, e := range sourceEvents {
		newDesc, block, changed := taskblock.Ensure(e.Description, defaults)
		if role == models.RoleImmutable {
			immutable := taskblock.ForImmutable(block)
			finalDesc := taskblock.Emit(newDesc, immutable)
			if finalDesc != e.Description {
				e.Description = finalDesc
				if _, werr := client.Upsert(ctx, sourceCal.ID, e); werr != nil {
					return mutated, werr
				}
				mutated = true
			}
			continue
		}
		if changed {
			e.Description = newDesc
			if _, werr := client.Upsert(ctx, sourceCal.ID, e); werr != nil {
				return mutated, werr
			}
			mutated = true
		}

		target := uidcodec.StagingUID(sourceCal.ID, e.UID)
		if legacy, exists := userByUID[e.UID]; exists {
			migrated := legacy
			migrated.UID = target
			if _, werr := client.Upsert(ctx, userCalendarID, migrated); werr != nil {
				return mutated, werr
			}
			if _, derr := client.Delete(ctx, userCalendarID, e.UID); derr != nil {
				return mutated, derr
			}
			if audit != nil {
				audit("migrate_legacy_user_uid", userCalendarID, target, "migrated plain uid to namespaced")
			}
			mutated = true
			continue
		}

		if twin, exists := userByUID[target]; exists {
			propagateIntent(ctx, client, userCalendarID, twin, block, audit)
			continue
		}

		seeded := e
		seeded.CalendarID = userCalendarID
		seeded.UID = target
		seeded.Source = models.SourceUser
		seeded.OriginalCalendarID = sourceCal.ID
		seeded.OriginalUID = e.UID
		if _, werr := client.Upsert(ctx, userCalendarID, seeded); werr != nil {
			return mutated, werr
		}
		if audit != nil {
			audit("seed_user_event_from_source", userCalendarID, target, "seeded from "+sourceCal.ID)
		}
		mutated = true
	}
	return mutated, nil
}

// propagateIntent carries a newer user_intent from the source event's
// task block into the existing user twin's task block.
func propagateIntent(ctx context.Context, client transport.CalDAVClient, userCalendarID string, twin models.Event, sourceBlock taskblock.Block, audit AuditFunc) {
	if sourceBlock.UserIntent == "" {
		return
	}
	twinBlock, _ := taskblock.Parse(twin.Description)
	if twinBlock != nil && twinBlock.UserIntent == sourceBlock.UserIntent {
		return
	}
	updated := twin
	if twinBlock == nil {
		updated.Description = taskblock.Emit(twin.Description, sourceBlock)
	} else {
		twinBlock.UserIntent = sourceBlock.UserIntent
		updated.Description = taskblock.Emit(twin.Description, *twinBlock)
	}
	if _, err := client.Upsert(ctx, userCalendarID, updated); err == nil && audit != nil {
		audit("propagate_source_intent", userCalendarID, twin.UID, "carried newer user_intent from source twin")
	}
}
