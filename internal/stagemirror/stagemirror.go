// Package stagemirror writes the post-apply user layer into the stage
// calendar at the end of a run, preserving UIDs, and repairs a duplicate
// write with a one-shot retry.
package stagemirror

import (
	"context"

	"github.com/jony/caldav-reconciler/internal/models"
	"github.com/jony/caldav-reconciler/internal/transport"
)

// AuditFunc records a stage-mirror audit event.
type AuditFunc func(action, uid, detail string)

// Mirror writes a stage twin for every user-layer event, with uid
// preserved (not re-namespaced), calendar_id=stageCalendarID, and
// source=staging. A duplicate-uid error triggers one delete-then-retry;
// a second failure is recorded and the event is skipped, not fatal.
func Mirror(ctx context.Context, client transport.CalDAVClient, stageCalendarID string, userEvents []models.Event, audit AuditFunc) error {
	for _, e := range userEvents {
		twin := e
		twin.CalendarID = stageCalendarID
		twin.Source = models.SourceStaging
		twin.OriginalCalendarID = e.CalendarID
		twin.OriginalUID = e.UID
		twin.ETag = ""
		twin.Href = ""

		if _, err := client.Upsert(ctx, stageCalendarID, twin); err != nil {
			if !transport.LooksLikeDuplicateUID(err.Error()) {
				return err
			}
			if _, derr := client.Delete(ctx, stageCalendarID, e.UID); derr != nil {
				return derr
			}
			if audit != nil {
				audit("repair_stage_duplicate_uid", e.UID, "deleted conflicting stage entry, retrying once")
			}
			if _, rerr := client.Upsert(ctx, stageCalendarID, twin); rerr != nil {
				if audit != nil {
					audit("skip_stage_mirror_after_duplicate", e.UID, "retry still failed, continuing")
				}
				continue
			}
		}
	}
	return nil
}
