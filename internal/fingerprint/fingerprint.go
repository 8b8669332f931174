// Package fingerprint computes content hashes over the mutable fields of
// an event and decides, by comparing the stage and user layers, whether
// a run needs to invoke the planner.
package fingerprint

import (
	"crypto/sha1" //nolint:gosec // change detection, not a security boundary
	"encoding/hex"
	"time"

	"github.com/jony/caldav-reconciler/internal/models"
)

// Of returns the fingerprint of an event's mutable fields:
// SHA1(summary|description|location|startISO|endISO).
func Of(e models.Event) string {
	text := e.Summary + "|" + e.Description + "|" + e.Location + "|" +
		e.Start.UTC().Format(time.RFC3339) + "|" + e.EffectiveEnd().UTC().Format(time.RFC3339)
	sum := sha1.Sum([]byte(text)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// ShouldReplan reports whether the planner must be consulted: the
// trigger is manual/startup, any user event lacks a stage twin or
// diverges from it, any stage UID lacks a user twin, or a mutation
// occurred during ingestion/migration/purge.
func ShouldReplan(trigger models.Trigger, user, stage []models.Event, mutationOccurred bool) bool {
	if trigger == models.TriggerManual || trigger == models.TriggerStartup {
		return true
	}
	if mutationOccurred {
		return true
	}

	stageByUID := make(map[string]models.Event, len(stage))
	for _, e := range stage {
		stageByUID[e.UID] = e
	}
	userByUID := make(map[string]bool, len(user))
	for _, e := range user {
		userByUID[e.UID] = true
		twin, ok := stageByUID[e.UID]
		if !ok {
			return true
		}
		if Of(e) != Of(twin) {
			return true
		}
	}
	for uid := range stageByUID {
		if !userByUID[uid] {
			return true
		}
	}
	return false
}
